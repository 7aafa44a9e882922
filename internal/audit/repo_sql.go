package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"voice-scheduler/pkg/utils"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// SQLRepo stores events in call_audit_events. The table carries no foreign
// key so audit appends never contend with call row locks.
type SQLRepo struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLRepo(db *sql.DB, dialect utils.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

// Migrate creates call_audit_events if it does not exist.
func (r *SQLRepo) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + string(r.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("audit: no schema for dialect %q: %w", r.dialect, err)
	}
	if _, err := r.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (id, call_id, type, from_status, to_status, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(q),
		e.ID,
		e.CallID,
		string(e.Type),
		e.FromStatus,
		e.ToStatus,
		e.Message,
		e.CreatedAt.UTC(),
	)
	return err
}

func (r *SQLRepo) ListByCall(ctx context.Context, callID int64) ([]Event, error) {
	const q = `
SELECT id, call_id, type, from_status, to_status, message, created_at
FROM call_audit_events
WHERE call_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(q), callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e   Event
			typ string
		)
		if err := rows.Scan(&e.ID, &e.CallID, &typ, &e.FromStatus, &e.ToStatus, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
