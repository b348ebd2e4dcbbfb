package lims

import (
	"context"
	"encoding/json"
	"time"
)

// ConceptRef is a coded value sent as {concept_id, name}.
type ConceptRef struct {
	ConceptID string `json:"concept_id,omitempty"`
	Name      string `json:"name"`
}

// OrderDTO is the wire shape of an order in both directions.
type OrderDTO struct {
	OrderID             string     `json:"order_id"`
	PatientID           string     `json:"patient_id"`
	EncounterID         *string    `json:"encounter_id"`
	OrderDate           time.Time  `json:"order_date"`
	TrackingNumber      string     `json:"tracking_number"`
	Specimen            ConceptRef `json:"specimen"`
	RequestingClinician *string    `json:"requesting_clinician"`
	TargetLab           string     `json:"target_lab"`
	ReasonForTest       ConceptRef `json:"reason_for_test"`
	Tests               []TestDTO  `json:"tests"`
}

type TestDTO struct {
	ID        string     `json:"id,omitempty"`
	ConceptID string     `json:"concept_id,omitempty"`
	Name      string     `json:"name"`
	Result    *ResultDTO `json:"result"`
}

type ResultDTO struct {
	ID    string     `json:"id"`
	Value string     `json:"value"`
	Date  *time.Time `json:"date,omitempty"`
}

// DocumentRef identifies a stored remote document revision.
type DocumentRef struct {
	ID       string `json:"id"`
	Revision string `json:"rev"`
}

// RemotePatient is the patient section of a feed document.
type RemotePatient struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Gender    string `json:"gender"`
}

// Submitter is the LIMS user who entered a result.
type Submitter struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone_number"`
}

// RemoteMeasure is a single indicator value as entered in the LIMS.
type RemoteMeasure struct {
	Indicator string
	Value     string
}

// RemoteTestResult holds the results entered for one test.
type RemoteTestResult struct {
	TestName    string
	Measures    []RemoteMeasure
	EnteredBy   Submitter
	DateEntered *time.Time
}

// Document is a parsed order document from the LIMS.
type Document struct {
	ID          string
	Revision    string
	Patient     RemotePatient
	Order       OrderDTO
	TestResults []RemoteTestResult
	Raw         json.RawMessage
}

// Entry is one change-feed row. Doc is empty when the feed carries only
// the document id and revision.
type Entry struct {
	Seq      string
	ID       string
	Revision string
	Doc      json.RawMessage
}

// IsStub reports whether the document body must be fetched separately.
func (e Entry) IsStub() bool { return len(e.Doc) == 0 }

// FeedContext is passed to the entry callback. Position is the cursor to
// checkpoint once the entry has been handled.
type FeedContext struct {
	Position string
	Index    int
}

// EntryResult is reported back to the feed when acknowledgement is enabled.
type EntryResult struct {
	Accepted bool
	Message  string
}

// EntryFunc handles one feed entry. A non-nil error stops consumption.
type EntryFunc func(ctx context.Context, entry Entry, feed FeedContext) (EntryResult, error)

// Remote is the subset of the LIMS API the sync worker uses.
type Remote interface {
	CreateOrder(ctx context.Context, order OrderDTO) (DocumentRef, error)
	UpdateOrder(ctx context.Context, remoteID string, order OrderDTO) (DocumentRef, error)
	GetOrder(ctx context.Context, remoteID string) (*Document, error)
	ConsumeOrders(ctx context.Context, from *string, limit int, fn EntryFunc) error
}
