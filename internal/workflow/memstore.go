package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pitabwire/caseflow/model"
)

// MemoryCaseStore is an in-memory CaseStore for tests and single-node
// deployments without durable storage.
type MemoryCaseStore struct {
	mu     sync.RWMutex
	cases  map[string]model.Case
	actors map[string]model.Actor
}

// NewMemoryCaseStore creates a new in-memory case store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		cases:  make(map[string]model.Case),
		actors: make(map[string]model.Actor),
	}
}

// LoadCase retrieves a deep copy of a case.
func (s *MemoryCaseStore) LoadCase(_ context.Context, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists {
		return model.Case{}, model.NewCaseNotFoundError(caseID)
	}
	return c.Clone(), nil
}

// SaveCase inserts or updates a case with optimistic locking.
func (s *MemoryCaseStore) SaveCase(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cases[c.ID]
	if c.Version == 0 {
		if exists {
			return model.NewCaseExistsError(c.ID)
		}
	} else {
		if !exists {
			return model.NewCaseNotFoundError(c.ID)
		}
		if existing.Version != c.Version {
			return model.NewConflictError(
				fmt.Sprintf("case %q version conflict (expected %d, got %d)", c.ID, c.Version, existing.Version),
			)
		}
	}

	stored := c.Clone()
	stored.Version = c.Version + 1
	s.cases[c.ID] = stored
	return nil
}

// ListActors returns all actors ordered by ID.
func (s *MemoryCaseStore) ListActors(_ context.Context) ([]model.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Actor, 0, len(s.actors))
	for _, a := range s.actors {
		result = append(result, a)
	}
	slices.SortFunc(result, func(a, b model.Actor) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

// ReplaceActors swaps the actor roster.
func (s *MemoryCaseStore) ReplaceActors(_ context.Context, actors []model.Actor) error {
	next := make(map[string]model.Actor, len(actors))
	for _, a := range actors {
		next[a.ID] = a
	}

	s.mu.Lock()
	s.actors = next
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored cases. For testing.
func (s *MemoryCaseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}
