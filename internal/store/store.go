// Package store wraps the relational engine (SQLite + FTS5) and the vector
// collection behind one synchronous CRUD surface, per spec C1. Writes to
// document, full-text, and vector storage are each individually durable;
// the store tolerates crash recovery where the three diverge via Reconcile.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/002_confidence_backfill.sql
var migration002 string

// requiredColumns lists columns the store refuses to start without, after
// the migration pass. Missing any of these is a Fatal-class error.
var requiredColumns = map[string][]string{
	"documents": {
		"id", "layer", "doc_type", "content", "concepts", "confidence",
		"decay_score", "expires_at", "is_private", "superseded_by",
	},
	"queue_entries":  {"id", "conversation", "delivery_id", "state", "attempt"},
	"scheduled_jobs": {"id", "owner", "schedule_kind", "next_run", "status"},
}

// Store is the concrete SQLite-backed implementation of C1.
type Store struct {
	db   *sql.DB
	path string

	mu      sync.Mutex // serializes concurrent Snapshot calls; no other method takes it
	Vectors VectorCollection
}

// Open creates or opens the store at path and runs migrations. Vectors may
// be nil, in which case vector-side operations degrade per spec §4.2's
// "vector backend unavailable" rule rather than failing Open.
func Open(path string, vectors VectorCollection) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	s := &Store{db: db, path: path, Vectors: vectors}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	if err := s.checkRequiredColumns(); err != nil {
		db.Close()
		return nil, fmt.Errorf("fatal: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute base schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version < 2 {
		log.Println("[STORE] running migration to v2: confidence/decay backfill")
		if _, err := s.db.Exec(migration002); err != nil {
			return fmt.Errorf("failed to run migration 002: %w", err)
		}
	}

	return nil
}

// checkRequiredColumns refuses to start if a required column is absent
// after the migration pass (spec §4.1).
func (s *Store) checkRequiredColumns() error {
	for table, cols := range requiredColumns {
		rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}

		present := make(map[string]bool)
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan column info for %s: %w", table, err)
			}
			present[name] = true
		}
		rows.Close()

		for _, col := range cols {
			if !present[col] {
				return fmt.Errorf("required column %s.%s missing after migration", table, col)
			}
		}
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.Vectors != nil {
		s.Vectors.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the on-disk path of the relational file (used by Snapshot).
func (s *Store) Path() string { return s.path }

// withTx executes fn within a transaction, rolling back on any error.
func (s *Store) withTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
