// Package store is the single durable home of sessions, prompts, replies and
// audit events. One embedded SQLite database in WAL mode; all writers share
// one connection, readers (status/dashboard commands) open read-only.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the write connection. Every method is a short, single-statement
// operation; long-running work never holds the database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. A migration failure surfaces the path and target version and
// the daemon must refuse to start.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// Single writer connection: WAL readers never compete for write locks,
	// and serialized writes keep every statement atomic.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.Migrate(false); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens the database for dashboards and status commands.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store read-only %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the on-disk database path.
func (s *Store) Path() string { return s.path }

// QuickCheck runs SQLite's integrity probe; used by `attend doctor`.
func (s *Store) QuickCheck() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("quick_check %s: %w", s.path, err)
	}
	if result != "ok" {
		return fmt.Errorf("store %s failed integrity check: %s", s.path, result)
	}
	return nil
}

// Paused reports the persisted kill-switch state.
func (s *Store) Paused() (bool, error) {
	var v int
	err := s.db.QueryRow(`SELECT value FROM control WHERE key = 'paused'`).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read paused flag: %w", err)
	}
	return v != 0, nil
}

// SetPaused flips the kill-switch. `attend pause` / `attend resume` call this
// from a separate process; the daemon's gate reads it per inbound message.
func (s *Store) SetPaused(paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	_, err := s.db.Exec(`INSERT INTO control(key, value) VALUES('paused', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, v)
	if err != nil {
		return fmt.Errorf("set paused flag: %w", err)
	}
	return nil
}

func unixMS(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
