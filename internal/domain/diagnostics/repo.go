package diagnostics

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lab order or test does not exist.
var ErrNotFound = errors.New("diagnostics: not found")

// ErrValidation wraps every rejection of an order or result by the service.
var ErrValidation = errors.New("diagnostics: invalid")

type OrderRepository interface {
	// Create inserts the order and any tests attached to it.
	Create(ctx context.Context, o *LabOrder) error
	// GetByID loads the order with its tests and their results.
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	Update(ctx context.Context, o *LabOrder) error

	// Tests
	AddTest(ctx context.Context, t *LabTest) error
	ListTests(ctx context.Context, orderID uuid.UUID) ([]*LabTest, error)
	FindTestByName(ctx context.Context, orderID uuid.UUID, name string) (*LabTest, error)

	// Results
	ReplaceTestResults(ctx context.Context, testID uuid.UUID, results []*TestResult) error
	ListResults(ctx context.Context, testID uuid.UUID) ([]*TestResult, error)
}
