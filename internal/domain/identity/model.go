package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Active    bool       `db:"active" json:"active"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// GenderValue returns the recorded gender or "" when unknown.
func (p *Patient) GenderValue() string {
	if p.Gender == nil {
		return ""
	}
	return *p.Gender
}

// FullName joins given and family name.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// PatientIdentifier maps to the patient_identifier table. Voided identifiers
// are kept so records issued under a superseded number still resolve.
type PatientIdentifier struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	TypeCode  string     `db:"type_code" json:"type_code"`
	Value     string     `db:"value" json:"value"`
	Voided    bool       `db:"voided" json:"voided"`
	VoidedAt  *time.Time `db:"voided_at" json:"voided_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
