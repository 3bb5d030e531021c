package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the target user_version. Bump when adding a migration.
const schemaVersion = 4

// migration is one idempotent step. Column adds are guarded by columnExists
// probes so a crash between the DDL and the version bump is recoverable by
// simply re-running.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, migrateV1},
	{2, migrateV2},
	{3, migrateV3},
	{4, migrateV4},
}

// Migrate brings the schema to schemaVersion. With dryRun it only reports what
// would be applied. A failing migration rolls back and surfaces the database
// path plus the target version, the only recovery inputs an operator needs.
func (s *Store) Migrate(dryRun bool) error {
	current, err := s.userVersion()
	if err != nil {
		return fmt.Errorf("store %s: read schema version: %w", s.path, err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if dryRun {
			slog.Info("pending migration", "version", m.version, "db", s.path)
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store %s: begin migration %d: %w", s.path, m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("store %s: migration to version %d failed (run `attend db migrate` after resolving): %w",
				s.path, m.version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store %s: stamp version %d: %w", s.path, m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store %s: commit migration %d: %w", s.path, m.version, err)
		}
		slog.Debug("migration applied", "version", m.version)
	}
	return nil
}

// SchemaVersion returns (current, target).
func (s *Store) SchemaVersion() (int, int, error) {
	v, err := s.userVersion()
	return v, schemaVersion, err
}

func (s *Store) userVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`PRAGMA user_version`).Scan(&v)
	return v, err
}

// columnExists probes table_info so column adds stay idempotent.
func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func addColumn(tx *sql.Tx, table, column, def string) error {
	exists, err := columnExists(tx, table, column)
	if err != nil || exists {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, def))
	return err
}

func migrateV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	tool          TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER,
	status        TEXT NOT NULL,
	autonomy_mode TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	created_at  INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	confidence  TEXT NOT NULL,
	excerpt     TEXT NOT NULL,
	nonce       TEXT NOT NULL,
	status      TEXT NOT NULL,
	resolved_at INTEGER,
	latency_ms  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session_id);

CREATE TABLE IF NOT EXISTS replies (
	id           TEXT PRIMARY KEY,
	prompt_id    TEXT NOT NULL UNIQUE REFERENCES prompts(id),
	value_length INTEGER NOT NULL,
	source       TEXT NOT NULL,
	identity     TEXT,
	received_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq            INTEGER PRIMARY KEY,
	timestamp      INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	session_id     TEXT,
	prompt_id      TEXT,
	payload_sha256 TEXT NOT NULL,
	prev_sha256    TEXT NOT NULL,
	chain_sha256   TEXT NOT NULL
);
`)
	return err
}

func migrateV2(tx *sql.Tx) error {
	if err := addColumn(tx, "sessions", "conversation_state", `TEXT NOT NULL DEFAULT 'IDLE'`); err != nil {
		return err
	}
	return addColumn(tx, "sessions", "bound_channel_thread", `TEXT NOT NULL DEFAULT ''`)
}

func migrateV3(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS control (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_archive (
	seq            INTEGER PRIMARY KEY,
	timestamp      INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	session_id     TEXT,
	prompt_id      TEXT,
	payload_sha256 TEXT NOT NULL,
	prev_sha256    TEXT NOT NULL,
	chain_sha256   TEXT NOT NULL
);
`)
	return err
}

func migrateV4(tx *sql.Tx) error {
	if err := addColumn(tx, "prompts", "content_key", `TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_prompts_content ON prompts(session_id, content_key)`)
	return err
}
