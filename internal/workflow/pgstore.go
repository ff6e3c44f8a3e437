package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// PgCaseStore is a PostgreSQL-backed CaseStore using pgx/v5.
type PgCaseStore struct {
	pool *pgxpool.Pool
}

// NewPgCaseStore creates a new PostgreSQL case store.
func NewPgCaseStore(pool *pgxpool.Pool) *PgCaseStore {
	return &PgCaseStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgCaseStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgCaseStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadCase retrieves a case by ID.
func (s *PgCaseStore) LoadCase(ctx context.Context, caseID string) (model.Case, error) {
	var c model.Case
	var stepsJSON, metaJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, status, steps, metadata, created_by, created_at, updated_at, version
		FROM cases
		WHERE id = $1`,
		caseID,
	).Scan(
		&c.ID, &c.Status, &stepsJSON, &metaJSON, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt, &c.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, model.NewCaseNotFoundError(caseID)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}

	if err := decodeCaseJSON(&c, stepsJSON, metaJSON); err != nil {
		return model.Case{}, err
	}
	return c, nil
}

// SaveCase inserts a new case or updates an existing one with optimistic
// locking.
func (s *PgCaseStore) SaveCase(ctx context.Context, c model.Case) error {
	stepsJSON, metaJSON, err := encodeCaseJSON(c)
	if err != nil {
		return err
	}

	if c.Version == 0 {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO cases (
				id, status, steps, metadata, created_by, created_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.Status, stepsJSON, metaJSON, c.CreatedBy,
			c.CreatedAt, c.UpdatedAt, 1,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewCaseExistsError(c.ID)
		}
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE cases SET
			status = $1,
			steps = $2,
			metadata = $3,
			updated_at = $4,
			version = $5
		WHERE id = $6 AND version = $7`,
		c.Status, stepsJSON, metaJSON, c.UpdatedAt, c.Version+1,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version),
		)
	}
	return nil
}

// ListActors returns all actors ordered by ID.
func (s *PgCaseStore) ListActors(ctx context.Context) ([]model.Actor, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, role, active FROM actors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query actors: %w", err)
	}
	defer rows.Close()

	var actors []model.Actor
	for rows.Next() {
		var a model.Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Active); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// ReplaceActors swaps the roster inside a single transaction.
func (s *PgCaseStore) ReplaceActors(ctx context.Context, actors []model.Actor) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM actors`); err != nil {
			return fmt.Errorf("clear actors: %w", err)
		}
		if len(actors) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, a := range actors {
			batch.Queue(`INSERT INTO actors (id, name, role, active) VALUES ($1, $2, $3, $4)`,
				a.ID, a.Name, a.Role, a.Active)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert actors: %w", err)
		}
		return nil
	})
}

func encodeCaseJSON(c model.Case) (steps, meta []byte, err error) {
	if c.Steps == nil {
		c.Steps = []model.Step{}
	}
	steps, err = json.Marshal(c.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	if c.Metadata != nil {
		meta, err = json.Marshal(c.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return steps, meta, nil
}

func decodeCaseJSON(c *model.Case, steps, meta []byte) error {
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &c.Steps); err != nil {
			return fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return nil
}
