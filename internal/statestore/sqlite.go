// Package statestore implements the durable, optimistic-concurrency key
// value store backing locks, signal dedup records, orders, and OCO pairs.
package statestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dispatchcore/internal/core"
)

// SQLiteStore is a WAL-mode SQLite-backed IStateStore. Every write is
// checksummed so silent disk corruption surfaces as a read error instead of
// a bad CAS decision.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a state store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statestore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("statestore: ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("statestore: enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	checksum   BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("statestore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func checksum(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

func isExpired(expiresAtNano int64) bool {
	return expiresAtNano != 0 && time.Now().UnixNano() > expiresAtNano
}

// Get returns the stored value for key, treating an expired entry as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (core.StoredValue, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, checksum, expires_at FROM kv_store WHERE key = ?`, key)

	var payload, storedChecksum []byte
	var expiresAtNano int64
	if err := row.Scan(&payload, &storedChecksum, &expiresAtNano); err != nil {
		if err == sql.ErrNoRows {
			return core.StoredValue{}, false, nil
		}
		return core.StoredValue{}, false, fmt.Errorf("statestore: read %q: %w", key, err)
	}

	if !bytes.Equal(checksum(payload), storedChecksum) {
		return core.StoredValue{}, false, fmt.Errorf("statestore: checksum mismatch for %q: data corruption detected", key)
	}
	if isExpired(expiresAtNano) {
		return core.StoredValue{}, false, nil
	}

	return toStoredValue(payload, expiresAtNano), true, nil
}

// Put unconditionally writes value for key.
func (s *SQLiteStore) Put(ctx context.Context, key string, value core.StoredValue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, payload, checksum, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, checksum=excluded.checksum,
			expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, value.Payload, checksum(value.Payload), expiresAtNano(value), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("statestore: write %q: %w", key, err)
	}
	return nil
}

// CompareAndSwap writes newValue only if the current stored payload equals
// expected's payload (or the key is absent/expired, when expected is nil).
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expected *core.StoredValue, newValue core.StoredValue) (core.CASResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.CASConflict, fmt.Errorf("statestore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT payload, checksum, expires_at FROM kv_store WHERE key = ?`, key)
	var currentPayload, currentChecksum []byte
	var currentExpiresNano int64
	err = row.Scan(&currentPayload, &currentChecksum, &currentExpiresNano)
	if err == nil && !bytes.Equal(checksum(currentPayload), currentChecksum) {
		return core.CASConflict, fmt.Errorf("statestore: checksum mismatch for %q: data corruption detected", key)
	}

	switch {
	case err == sql.ErrNoRows || (err == nil && isExpired(currentExpiresNano)):
		if expected != nil {
			return core.CASConflict, nil
		}
	case err != nil:
		return core.CASConflict, fmt.Errorf("statestore: read %q: %w", key, err)
	default:
		if expected == nil || !bytes.Equal(currentPayload, expected.Payload) {
			return core.CASConflict, nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_store (key, payload, checksum, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, checksum=excluded.checksum,
			expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, newValue.Payload, checksum(newValue.Payload), expiresAtNano(newValue), time.Now().UnixNano())
	if err != nil {
		return core.CASConflict, fmt.Errorf("statestore: write %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return core.CASConflict, fmt.Errorf("statestore: commit %q: %w", key, err)
	}
	return core.CASApplied, nil
}

// Delete removes key if present.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("statestore: delete %q: %w", key, err)
	}
	return nil
}

// Scan returns every non-expired key with the given prefix.
func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, expires_at FROM kv_store WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("statestore: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		var expiresAtNano int64
		if err := rows.Scan(&key, &expiresAtNano); err != nil {
			return nil, fmt.Errorf("statestore: scan row: %w", err)
		}
		if !isExpired(expiresAtNano) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func expiresAtNano(v core.StoredValue) int64 {
	if v.ExpiresAt.IsZero() {
		return 0
	}
	return v.ExpiresAt.UnixNano()
}

func toStoredValue(payload []byte, expiresAtNano int64) core.StoredValue {
	v := core.StoredValue{Payload: payload}
	if expiresAtNano != 0 {
		v.ExpiresAt = time.Unix(0, expiresAtNano)
	}
	return v
}
