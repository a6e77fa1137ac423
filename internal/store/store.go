// Package store is the single source of truth for loom entities, backed by
// SQLite. All multi-row mutations (claim, decomposition, merge-queue updates,
// convergence updates) run inside transactions via WithTx. The store fails
// fast on invariant violations: a row that does not unmarshal is an internal
// error, never silently skipped.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/logging"
	"loom/internal/types"
)

// Store wraps the SQLite database holding all loom entities.
type Store struct {
	db   *sql.DB
	path string
}

// dbtx is the query surface shared by *sql.DB and *sql.Tx so row operations
// can run either standalone or inside a transaction.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Open initializes the SQLite database at the given path, creating the
// directory and schema as needed. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single write connection; the engine serializes claims per outcome and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set foreign_keys=ON: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryStore).Info("store open at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a transactional view of the store. All Tx methods operate on the
// same underlying *sql.Tx and commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return types.Wrap(types.KindInternal, err, "begin transaction")
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Get(logging.CategoryStore).Error("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.Wrap(types.KindInternal, err, "commit transaction")
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func now() time.Time {
	return time.Now().UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("bad timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// marshal serializes a structured field for a JSON column. Values come from
// typed structs, so failure is an invariant violation.
func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", types.Wrap(types.KindInternal, err, "marshal %T", v)
	}
	return string(b), nil
}

// unmarshal rejects malformed blobs at the store boundary rather than
// letting each consumer parse with varying tolerance.
func unmarshal(data string, v interface{}) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return types.Wrap(types.KindInternal, err, "corrupt stored blob for %T", v)
	}
	return nil
}
