// Package workflow implements the role-gated case review lifecycle and the
// stores that persist cases and the actor roster.
package workflow

import (
	"context"

	"github.com/pitabwire/caseflow/model"
)

// CaseStore persists cases and the actor roster.
type CaseStore interface {
	// LoadCase retrieves a case by ID. Returns CASE_NOT_FOUND if the case
	// doesn't exist.
	LoadCase(ctx context.Context, caseID string) (model.Case, error)

	// SaveCase persists a case with optimistic locking. A case with Version
	// 0 is inserted and fails with CASE_EXISTS if the ID is taken. Otherwise
	// the stored version must equal c.Version or CONFLICT is returned. The
	// stored version becomes c.Version+1.
	SaveCase(ctx context.Context, c model.Case) error

	// ListActors returns every known actor.
	ListActors(ctx context.Context) ([]model.Actor, error)

	// ReplaceActors swaps the whole actor roster.
	ReplaceActors(ctx context.Context, actors []model.Actor) error
}

// HealthChecker is implemented by stores that can report connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
