// Package sqlite implements the storage backend on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced through the storage interface.
var (
	ErrEventNotFound  = errors.New("event not found")
	ErrEventNotActive = errors.New("event is not active")
	ErrMergeNotFound  = errors.New("merge record not found")
)

// AttachRequest asks for a batch of news to be attached to one existing
// event, with the event's aggregates refreshed in the same transaction.
type AttachRequest struct {
	EventID    int64
	NewsIDs    []int64
	Confidence float64

	BatchFirst time.Time
	BatchLast  time.Time
	Entities   []string
	Regions    []string
	Keywords   []string
}

// AttachResult reports inserted versus skipped relation rows.
type AttachResult struct {
	Inserted int
	Skipped  int
}

// Store is the SQLite-backed storage implementation.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL for concurrent readers during aggregation runs.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueConflict reports whether err is a UNIQUE constraint violation.
// These are expected under retries and are swallowed by the caller.
func isUniqueConflict(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// marshalSet encodes a string set as a JSON array column value.
func marshalSet(set []string) string {
	if len(set) == 0 {
		return "[]"
	}
	b, err := json.Marshal(set)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalSet decodes a JSON array column value, tolerating legacy
// comma-separated values.
func unmarshalSet(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var set []string
	if err := json.Unmarshal([]byte(raw), &set); err == nil {
		return set
	}
	return []string{raw}
}

// nullTime converts a possibly-zero time to a nullable column value.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// timeOf converts a scanned nullable column back to a time.
func timeOf(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
