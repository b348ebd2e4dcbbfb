package labsync

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateIdentifier is returned when an external identifier maps to
	// more than one local patient.
	ErrDuplicateIdentifier = errors.New("labsync: identifier matches more than one patient")
	// ErrCycleInProgress is returned by RunCycle when another worker holds the lock.
	ErrCycleInProgress = errors.New("labsync: sync cycle already in progress")
)

// OrderMapping maps to the lims_order_mapping table. Its presence is what
// distinguishes create from update in both directions.
type OrderMapping struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	LocalOrderID     uuid.UUID  `db:"local_order_id" json:"local_order_id"`
	RemoteDocumentID string     `db:"remote_document_id" json:"remote_document_id"`
	RemoteRevision   *string    `db:"remote_revision" json:"remote_revision,omitempty"`
	PushedAt         *time.Time `db:"pushed_at" json:"pushed_at,omitempty"`
	PulledAt         *time.Time `db:"pulled_at" json:"pulled_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// FailedImport maps to the lims_failed_import table. Rows are append-only.
type FailedImport struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	RemoteDocumentID  string          `db:"remote_document_id" json:"remote_document_id"`
	TrackingNumber    *string         `db:"tracking_number" json:"tracking_number,omitempty"`
	ExternalPatientID *string         `db:"external_patient_id" json:"external_patient_id,omitempty"`
	Reason            string          `db:"reason" json:"reason"`
	Diff              json.RawMessage `db:"diff" json:"diff,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Actor is the system identity the worker writes on behalf of.
type Actor struct {
	UserID     uuid.UUID  `json:"user_id"`
	Username   string     `json:"username"`
	LocationID *uuid.UUID `json:"location_id,omitempty"`
}

// FailureKind classifies a rejected feed entry.
type FailureKind string

const (
	FailureNoPatientMatch       FailureKind = "no_patient_match"
	FailureDuplicateIdentifier  FailureKind = "duplicate_identifier"
	FailureDemographicsMismatch FailureKind = "demographics_mismatch"
	FailureMissingAccession     FailureKind = "missing_accession"
	FailureExternalError        FailureKind = "external_error"
	FailureInvalidDocument      FailureKind = "invalid_document"
)

var failureReasons = map[FailureKind]string{
	FailureNoPatientMatch:       "no matching local patient",
	FailureDuplicateIdentifier:  "duplicate identifier",
	FailureDemographicsMismatch: "demographics mismatch",
	FailureMissingAccession:     "missing accession number",
	FailureInvalidDocument:      "invalid document",
}

// Reason is the ledger text for k. External errors are recorded with the
// remote system's own message instead.
func (k FailureKind) Reason() string {
	return failureReasons[k]
}

type OutcomeStatus string

const (
	OutcomeAccepted OutcomeStatus = "accepted"
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome is the result of handling one feed entry.
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Kind    FailureKind   `json:"kind,omitempty"`
	Message string        `json:"message"`
}

func accepted(msg string) Outcome {
	return Outcome{Status: OutcomeAccepted, Message: msg}
}

func rejected(kind FailureKind, msg string) Outcome {
	return Outcome{Status: OutcomeRejected, Kind: kind, Message: msg}
}

// FieldDiff is a mismatching demographic field.
type FieldDiff struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// ResultMeasure is a normalized result value ready to be stored.
type ResultMeasure struct {
	IndicatorID uuid.UUID
	Value       string
	Numeric     *float64
	Modifier    string
	ValueType   string
}

// PushResult summarizes a push batch or drain.
type PushResult struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

func (r *PushResult) add(o PushResult) {
	r.Processed += o.Processed
	r.Created += o.Created
	r.Updated += o.Updated
	r.Failed += o.Failed
}

// PullResult summarizes one pull.
type PullResult struct {
	Processed int     `json:"processed"`
	Accepted  int     `json:"accepted"`
	Rejected  int     `json:"rejected"`
	Position  *string `json:"position,omitempty"`
}

// CycleResult summarizes a full push+pull cycle.
type CycleResult struct {
	Push     PushResult    `json:"push"`
	Pull     PullResult    `json:"pull"`
	Duration time.Duration `json:"duration"`
}
