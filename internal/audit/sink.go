// Package audit implements the append-only record every externally
// observable dispatch decision is written to before being acknowledged.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dispatchcore/internal/core"
)

// SQLiteSink is a WAL-mode, append-only audit log. event_id is a SQLite
// AUTOINCREMENT rowid, giving callers a monotonically increasing sequence
// for replay and pagination.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (and migrates) an audit log at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("audit: enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	event_id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp          INTEGER NOT NULL,
	kind               TEXT NOT NULL,
	signal_fingerprint TEXT NOT NULL,
	order_id           TEXT NOT NULL,
	exchange_order_id  TEXT NOT NULL,
	oco_group_id       TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	reason             TEXT NOT NULL,
	payload            TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Append writes entry, assigning it the next event_id. The entry's own
// EventID field is ignored on input.
func (s *SQLiteSink) Append(ctx context.Context, entry core.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, kind, signal_fingerprint, order_id, exchange_order_id, oco_group_id, outcome, reason, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixNano(), entry.Kind, entry.SignalFingerprint, entry.OrderID,
		entry.ExchangeOrderID, entry.OCOGroupID, string(entry.Outcome), entry.Reason, string(payload))
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

var _ core.IAuditSink = (*SQLiteSink)(nil)
