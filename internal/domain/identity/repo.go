package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// Identifiers
	AddIdentifier(ctx context.Context, ident *PatientIdentifier) error
	GetIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error)
	VoidIdentifier(ctx context.Context, id uuid.UUID) error
	// FindPatientIDsByIdentifier returns the distinct patients holding value
	// under any of typeCodes, restricted to voided or active identifiers.
	FindPatientIDsByIdentifier(ctx context.Context, value string, typeCodes []string, voided bool) ([]uuid.UUID, error)
}
