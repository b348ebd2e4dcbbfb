package terminology

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no concept or alias matches.
var ErrNotFound = errors.New("terminology: not found")

// ConceptRepository provides name-based access to the concept dictionary.
type ConceptRepository interface {
	// FindByName returns the non-retired concept whose name matches ignoring case.
	FindByName(ctx context.Context, name string) (*Concept, error)
	// CanonicalName returns the local name registered for alias.
	CanonicalName(ctx context.Context, alias string) (string, error)
}
