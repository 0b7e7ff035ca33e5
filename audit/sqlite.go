package audit

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteTrail persists audit entries in a local SQLite database. The schema
// only ever receives INSERTs.
type SQLiteTrail struct {
	db *sql.DB
}

// NewSQLiteTrail opens (creating if necessary) the trail database at path.
func NewSQLiteTrail(path string) (*SQLiteTrail, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	trail := &SQLiteTrail{db: db}
	if err := trail.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return trail, nil
}

func (t *SQLiteTrail) init() error {
	schema := `CREATE TABLE IF NOT EXISTS audit_entries (
        id TEXT PRIMARY KEY,
        action TEXT NOT NULL,
        order_key TEXT NOT NULL,
        detail TEXT,
        occurred_at TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_order_key ON audit_entries(order_key, occurred_at);`
	_, err := t.db.Exec(schema)
	return err
}

// Append inserts the entry. Entries are never updated or deleted.
func (t *SQLiteTrail) Append(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, action, order_key, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Action, entry.OrderKey, entry.Detail, entry.OccurredAt.UTC())
	return err
}

// ByOrder returns the entries recorded for the key ordered by occurrence.
func (t *SQLiteTrail) ByOrder(ctx context.Context, orderKey string) ([]Entry, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, action, order_key, detail, occurred_at FROM audit_entries WHERE order_key = ? ORDER BY occurred_at, id`,
		orderKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var id string
		if err := rows.Scan(&id, &entry.Action, &entry.OrderKey, &entry.Detail, &entry.OccurredAt); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		entry.ID = parsed
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (t *SQLiteTrail) Close() error { return t.db.Close() }
