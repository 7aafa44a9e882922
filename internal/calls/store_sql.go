package calls

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"voice-scheduler/pkg/utils"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// SQLStore is the database/sql Store used with pgx (Postgres) and
// modernc.org/sqlite. Queries are written in Postgres syntax and rebound
// for SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLStore(db *sql.DB, dialect utils.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the calls schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("calls: no schema for dialect %q: %w", s.dialect, err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("calls: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, c Call) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		id, err := insertCall(ctx, tx, s.dialect, c)
		if err != nil {
			return err
		}
		out, err = getCall(ctx, tx, s.dialect, id)
		return err
	})
	if err != nil {
		return Call{}, err
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (Call, error) {
	return getCall(ctx, s.db, s.dialect, id)
}

func (s *SQLStore) Transition(ctx context.Context, t Transition) (Call, error) {
	if err := t.validate(); err != nil {
		return Call{}, err
	}
	var out Call
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		n, err := updateStatus(ctx, tx, s.dialect, t)
		if err != nil {
			return err
		}
		if n == 0 {
			// Distinguish a missing row from one that moved on.
			if _, err := getCall(ctx, tx, s.dialect, t.ID); err != nil {
				return err
			}
			return ErrStaleTransition
		}
		out, err = getCall(ctx, tx, s.dialect, t.ID)
		return err
	})
	if err != nil {
		return Call{}, err
	}
	return out, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM scheduled_calls
WHERE status = $1
`
	return s.list(ctx, q, string(status))
}

func (s *SQLStore) ListCalls(ctx context.Context, from, to time.Time) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM scheduled_calls
WHERE fire_at >= $1 AND fire_at < $2
`
	return s.list(ctx, q, from.UTC(), to.UTC())
}

func (s *SQLStore) list(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// SQLite keeps DATETIME as text; order in Go so both dialects agree.
	sortByFireTime(out)
	return out, nil
}

const callColumns = `id, phone_number, fire_at, persona, scenario, custom_description,
       status, failure_reason, created_at, updated_at, started_at, ended_at`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertCall(ctx context.Context, tx *sql.Tx, d utils.Dialect, c Call) (int64, error) {
	const q = `
INSERT INTO scheduled_calls
    (phone_number, fire_at, persona, scenario, custom_description, status, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id
`
	var desc sql.NullString
	if c.CustomDescription != nil {
		desc = sql.NullString{String: *c.CustomDescription, Valid: true}
	}
	var id int64
	err := tx.QueryRowContext(ctx, d.Rebind(q),
		c.PhoneNumber,
		c.FireAt.UTC(),
		c.Persona,
		c.Scenario,
		desc,
		string(c.Status),
		c.FailureReason,
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func getCall(ctx context.Context, q rowQuerier, d utils.Dialect, id int64) (Call, error) {
	const stmt = `
SELECT ` + callColumns + `
FROM scheduled_calls
WHERE id = $1
`
	c, err := scanCall(q.QueryRowContext(ctx, d.Rebind(stmt), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

// updateStatus is the only statement that changes a call's status.
// The status predicate makes concurrent writers lose instead of overwrite.
func updateStatus(ctx context.Context, tx *sql.Tx, d utils.Dialect, t Transition) (int64, error) {
	const q = `
UPDATE scheduled_calls
SET status = $1,
    failure_reason = $2,
    updated_at = $3,
    started_at = COALESCE($4, started_at),
    ended_at = COALESCE($5, ended_at)
WHERE id = $6 AND status = $7
`
	started, ended := t.stamps()
	res, err := tx.ExecContext(ctx, d.Rebind(q),
		string(t.To),
		t.Reason,
		t.At.UTC(),
		nullTime(started),
		nullTime(ended),
		t.ID,
		string(t.From),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCall(r rowScanner) (Call, error) {
	var (
		c       Call
		status  string
		desc    sql.NullString
		started sql.NullTime
		ended   sql.NullTime
	)
	if err := r.Scan(
		&c.ID,
		&c.PhoneNumber,
		&c.FireAt,
		&c.Persona,
		&c.Scenario,
		&desc,
		&status,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
		&started,
		&ended,
	); err != nil {
		return Call{}, err
	}
	c.Status = Status(status)
	c.FireAt = c.FireAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if desc.Valid {
		c.CustomDescription = &desc.String
	}
	if started.Valid {
		t := started.Time.UTC()
		c.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		c.EndedAt = &t
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
