package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/caseflow/model"
)

// SQLiteCaseStore is a CaseStore backed by a SQLite database through
// mattn/go-sqlite3. Timestamps are stored as RFC 3339 text.
type SQLiteCaseStore struct {
	db *sql.DB
}

// OpenSQLiteCaseStore opens the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func OpenSQLiteCaseStore(ctx context.Context, path string) (*SQLiteCaseStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers the way SQLite expects.
	db.SetMaxOpenConns(1)

	s := &SQLiteCaseStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteCaseStore wraps an existing database handle.
func NewSQLiteCaseStore(db *sql.DB) *SQLiteCaseStore {
	return &SQLiteCaseStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteCaseStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteCaseStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteCaseStore) Close() error {
	return s.db.Close()
}

// LoadCase retrieves a case by ID.
func (s *SQLiteCaseStore) LoadCase(ctx context.Context, caseID string) (model.Case, error) {
	var c model.Case
	var status, createdAt, updatedAt, steps string
	var meta sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, steps, metadata, created_by, created_at, updated_at, version
		FROM cases
		WHERE id = ?`,
		caseID,
	).Scan(&c.ID, &status, &steps, &meta, &c.CreatedBy, &createdAt, &updatedAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Case{}, model.NewCaseNotFoundError(caseID)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}

	c.Status = model.CaseStatus(status)
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.Case{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return model.Case{}, fmt.Errorf("parse updated_at: %w", err)
	}

	var metaJSON []byte
	if meta.Valid {
		metaJSON = []byte(meta.String)
	}
	if err := decodeCaseJSON(&c, []byte(steps), metaJSON); err != nil {
		return model.Case{}, err
	}
	return c, nil
}

// SaveCase inserts a new case or updates an existing one with optimistic
// locking.
func (s *SQLiteCaseStore) SaveCase(ctx context.Context, c model.Case) error {
	stepsJSON, metaJSON, err := encodeCaseJSON(c)
	if err != nil {
		return err
	}
	var meta sql.NullString
	if metaJSON != nil {
		meta = sql.NullString{String: string(metaJSON), Valid: true}
	}

	if c.Version == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO cases (
				id, status, steps, metadata, created_by, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, string(c.Status), string(stepsJSON), meta, c.CreatedBy,
			formatTime(c.CreatedAt), formatTime(c.UpdatedAt), 1,
		)
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return model.NewCaseExistsError(c.ID)
		}
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET
			status = ?,
			steps = ?,
			metadata = ?,
			updated_at = ?,
			version = ?
		WHERE id = ? AND version = ?`,
		string(c.Status), string(stepsJSON), meta, formatTime(c.UpdatedAt), c.Version+1,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if n == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version),
		)
	}
	return nil
}

// ListActors returns all actors ordered by ID.
func (s *SQLiteCaseStore) ListActors(ctx context.Context) ([]model.Actor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, active FROM actors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query actors: %w", err)
	}
	defer rows.Close()

	var actors []model.Actor
	for rows.Next() {
		var a model.Actor
		var role string
		if err := rows.Scan(&a.ID, &a.Name, &role, &a.Active); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		a.Role = model.Role(role)
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// ReplaceActors swaps the roster inside a single transaction.
func (s *SQLiteCaseStore) ReplaceActors(ctx context.Context, actors []model.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM actors`); err != nil {
		return fmt.Errorf("clear actors: %w", err)
	}
	for _, a := range actors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO actors (id, name, role, active) VALUES (?, ?, ?, ?)`,
			a.ID, a.Name, string(a.Role), a.Active,
		); err != nil {
			return fmt.Errorf("insert actor %q: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
