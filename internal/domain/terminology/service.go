package terminology

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Service resolves names to concept ids and external test names to local
// ones. Lookups are cached for the life of the Service.
type Service struct {
	concepts ConceptRepository

	mu      sync.RWMutex
	ids     map[string]uuid.UUID
	aliases map[string]string
	fold    cases.Caser
}

// NewService creates a new terminology service.
func NewService(concepts ConceptRepository) *Service {
	return &Service{
		concepts: concepts,
		ids:      make(map[string]uuid.UUID),
		aliases:  make(map[string]string),
		fold:     cases.Fold(),
	}
}

func (s *Service) key(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fold.String(strings.TrimSpace(name))
}

// ResolveConceptID returns the id of the concept named name. ok is false when
// the dictionary has no such concept.
func (s *Service) ResolveConceptID(ctx context.Context, name string) (id uuid.UUID, ok bool, err error) {
	if strings.TrimSpace(name) == "" {
		return uuid.Nil, false, nil
	}
	k := s.key(name)

	s.mu.RLock()
	id, ok = s.ids[k]
	s.mu.RUnlock()
	if ok {
		return id, true, nil
	}

	c, err := s.concepts.FindByName(ctx, strings.TrimSpace(name))
	if errors.Is(err, ErrNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}

	s.mu.Lock()
	s.ids[k] = c.ID
	s.mu.Unlock()
	return c.ID, true, nil
}

// CanonicalTestName translates a test name used by the LIMS to the local
// test name. Names without a registered alias are returned trimmed.
func (s *Service) CanonicalTestName(ctx context.Context, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	k := s.key(trimmed)

	s.mu.RLock()
	canonical, ok := s.aliases[k]
	s.mu.RUnlock()
	if ok {
		return canonical, nil
	}

	canonical, err := s.concepts.CanonicalName(ctx, trimmed)
	if errors.Is(err, ErrNotFound) {
		canonical = trimmed
	} else if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.aliases[k] = canonical
	s.mu.Unlock()
	return canonical, nil
}
