package labsync

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/labsync/internal/domain/diagnostics"
	"github.com/ehr/labsync/internal/domain/identity"
)

// OrderStore is the local order service. *diagnostics.Service satisfies it.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *diagnostics.LabOrder) error
	GetOrder(ctx context.Context, id uuid.UUID) (*diagnostics.LabOrder, error)
	UpdateOrder(ctx context.Context, o *diagnostics.LabOrder) error
	FindTest(ctx context.Context, orderID uuid.UUID, name string) (*diagnostics.LabTest, error)
	ReplaceTestResults(ctx context.Context, testID uuid.UUID, results []*diagnostics.TestResult) error
}

// PatientStore is satisfied by identity.PatientRepository.
type PatientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
	FindPatientIDsByIdentifier(ctx context.Context, value string, typeCodes []string, voided bool) ([]uuid.UUID, error)
}

// ConceptResolver is satisfied by *terminology.Service.
type ConceptResolver interface {
	ResolveConceptID(ctx context.Context, name string) (uuid.UUID, bool, error)
	CanonicalTestName(ctx context.Context, name string) (string, error)
}
