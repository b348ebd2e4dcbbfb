package diagnostics

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	orders OrderRepository
}

func NewService(orders OrderRepository) *Service {
	return &Service{orders: orders}
}

var validModifiers = map[string]bool{"=": true, "<": true, ">": true, "<=": true, ">=": true}

func validateOrder(o *LabOrder) error {
	if o.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if strings.TrimSpace(o.AccessionNumber) == "" {
		return fmt.Errorf("%w: accession_number is required", ErrValidation)
	}
	if o.OrderDate.IsZero() {
		return fmt.Errorf("%w: order_date is required", ErrValidation)
	}
	for _, t := range o.Tests {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("%w: test name is required", ErrValidation)
		}
	}
	return nil
}

func (s *Service) CreateOrder(ctx context.Context, o *LabOrder) error {
	if err := validateOrder(o); err != nil {
		return err
	}
	return s.orders.Create(ctx, o)
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.orders.GetByID(ctx, id)
}

// UpdateOrder overwrites the order's columns and adds any test in o.Tests the
// order does not already carry. Existing tests are never removed.
func (s *Service) UpdateOrder(ctx context.Context, o *LabOrder) error {
	if o.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if err := validateOrder(o); err != nil {
		return err
	}
	if err := s.orders.Update(ctx, o); err != nil {
		return err
	}

	existing, err := s.orders.ListTests(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("list tests: %w", err)
	}
	current := &LabOrder{Tests: existing}
	for _, t := range o.Tests {
		if current.TestByName(t.Name) != nil {
			continue
		}
		t.OrderID = o.ID
		if err := s.orders.AddTest(ctx, t); err != nil {
			return err
		}
		current.Tests = append(current.Tests, t)
	}
	o.Tests = current.Tests
	return nil
}

func (s *Service) FindTest(ctx context.Context, orderID uuid.UUID, name string) (*LabTest, error) {
	return s.orders.FindTestByName(ctx, orderID, name)
}

// ReplaceTestResults validates results before replacing the test's result set.
func (s *Service) ReplaceTestResults(ctx context.Context, testID uuid.UUID, results []*TestResult) error {
	if testID == uuid.Nil {
		return fmt.Errorf("%w: test_id is required", ErrValidation)
	}
	for _, r := range results {
		if r.IndicatorID == uuid.Nil {
			return fmt.Errorf("%w: indicator_id is required", ErrValidation)
		}
		if !validModifiers[r.Modifier] {
			return fmt.Errorf("%w: invalid modifier %q", ErrValidation, r.Modifier)
		}
		switch r.ValueType {
		case ValueTypeNumeric:
			if r.ValueNumeric == nil {
				return fmt.Errorf("%w: numeric result %q has no numeric value", ErrValidation, r.ValueText)
			}
		case ValueTypeText:
		default:
			return fmt.Errorf("%w: invalid value_type %q", ErrValidation, r.ValueType)
		}
	}
	return s.orders.ReplaceTestResults(ctx, testID, results)
}
