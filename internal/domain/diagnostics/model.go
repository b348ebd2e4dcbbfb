package diagnostics

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result value types.
const (
	ValueTypeNumeric = "numeric"
	ValueTypeText    = "text"
)

// LabOrder maps to the lab_order table.
type LabOrder struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID         *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	SpecimenConceptID   *uuid.UUID `db:"specimen_concept_id" json:"specimen_concept_id,omitempty"`
	SpecimenName        string     `db:"specimen_name" json:"specimen_name"`
	RequestingClinician *string    `db:"requesting_clinician" json:"requesting_clinician,omitempty"`
	TargetLab           string     `db:"target_lab" json:"target_lab"`
	ReasonConceptID     *uuid.UUID `db:"reason_concept_id" json:"reason_concept_id,omitempty"`
	ReasonName          string     `db:"reason_name" json:"reason_name"`
	AccessionNumber     string     `db:"accession_number" json:"accession_number"`
	OrderDate           time.Time  `db:"order_date" json:"order_date"`
	CreatedBy           *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`

	Tests []*LabTest `db:"-" json:"tests,omitempty"`
}

// LabTest maps to the lab_test table.
type LabTest struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	OrderID   uuid.UUID  `db:"order_id" json:"order_id"`
	ConceptID *uuid.UUID `db:"concept_id" json:"concept_id,omitempty"`
	Name      string     `db:"name" json:"name"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`

	Results []*TestResult `db:"-" json:"results,omitempty"`
}

// TestResult maps to the test_result table.
type TestResult struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TestID       uuid.UUID  `db:"test_id" json:"test_id"`
	IndicatorID  uuid.UUID  `db:"indicator_id" json:"indicator_id"`
	Modifier     string     `db:"modifier" json:"modifier"`
	ValueText    string     `db:"value_text" json:"value_text"`
	ValueNumeric *float64   `db:"value_numeric" json:"value_numeric,omitempty"`
	ValueType    string     `db:"value_type" json:"value_type"`
	Comment      *string    `db:"comment" json:"comment,omitempty"`
	ResultDate   *time.Time `db:"result_date" json:"result_date,omitempty"`
	EnteredBy    *uuid.UUID `db:"entered_by" json:"entered_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// TestByName returns the order's test whose name equals name ignoring case.
func (o *LabOrder) TestByName(name string) *LabTest {
	for _, t := range o.Tests {
		if strings.EqualFold(strings.TrimSpace(t.Name), strings.TrimSpace(name)) {
			return t
		}
	}
	return nil
}
