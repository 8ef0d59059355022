// Package store provides the sqlite-backed persistent state for the host:
// messages, sessions, cursors, scheduled tasks, governance rows, workers,
// limit counters, nonces, and memories.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the host database. Writes are serialized through the single
// connection; sqlite WAL allows concurrent readers.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	// One writer lane; readers share it. Serialized writes are part of the
	// store's contract (see rate counter increments).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	// Best-effort migrations for existing dbs (no-op if column exists).
	_, _ = db.Exec(`ALTER TABLE scheduled_tasks ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE scheduled_tasks ADD COLUMN group_folder TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE memories ADD COLUMN injection_detected BOOLEAN NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE workers ADD COLUMN shared_secret TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE breakers ADD COLUMN version INTEGER NOT NULL DEFAULT 1`)
	_, _ = db.Exec(`ALTER TABLE gov_dispatches ADD COLUMN worker_id TEXT NOT NULL DEFAULT ''`)

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for shared access (e.g. ops stats).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns a setting value by key.
func (s *Store) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
