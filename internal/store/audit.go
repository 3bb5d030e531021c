package store

import (
	"database/sql"
	"fmt"

	"github.com/attendhq/attend/pkg/protocol"
)

// AppendAuditRow inserts one pre-chained audit event. Only the audit writer
// calls this; nothing else in the codebase inserts into audit_events.
func (s *Store) AppendAuditRow(ev *protocol.AuditEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_events (seq, timestamp, kind, session_id, prompt_id, payload_sha256, prev_sha256, chain_sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, unixMS(ev.Timestamp), ev.Kind, ev.SessionID, ev.PromptID,
		ev.PayloadSHA256, ev.PrevSHA256, ev.ChainSHA256)
	if err != nil {
		return fmt.Errorf("append audit seq %d: %w", ev.Seq, err)
	}
	return nil
}

// LastAuditRow returns the newest event, or nil when the chain is empty.
func (s *Store) LastAuditRow() (*protocol.AuditEvent, error) {
	row := s.db.QueryRow(auditSelect + ` ORDER BY seq DESC LIMIT 1`)
	ev, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// WalkAudit streams events in seq order through fn, stopping on first error.
func (s *Store) WalkAudit(fn func(*protocol.AuditEvent) error) error {
	rows, err := s.db.Query(auditSelect + ` ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("walk audit: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// AuditCount returns the number of live (non-archived) audit rows.
func (s *Store) AuditCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit count: %w", err)
	}
	return n, nil
}

// ArchiveAudit moves the oldest rows into audit_archive until at most maxRows
// remain live. Chain hashes move with the rows, so verification across the
// full history stays possible offline.
func (s *Store) ArchiveAudit(maxRows int64) (moved int64, err error) {
	count, err := s.AuditCount()
	if err != nil || count <= maxRows {
		return 0, err
	}
	excess := count - maxRows

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("archive audit: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`
		INSERT INTO audit_archive
		SELECT seq, timestamp, kind, session_id, prompt_id, payload_sha256, prev_sha256, chain_sha256
		FROM audit_events ORDER BY seq LIMIT ?`, excess); err != nil {
		return 0, fmt.Errorf("archive audit: copy: %w", err)
	}
	res, err := tx.Exec(`
		DELETE FROM audit_events WHERE seq IN
		(SELECT seq FROM audit_events ORDER BY seq LIMIT ?)`, excess)
	if err != nil {
		return 0, fmt.Errorf("archive audit: trim: %w", err)
	}
	moved, _ = res.RowsAffected()
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive audit: commit: %w", err)
	}
	return moved, nil
}

const auditSelect = `
	SELECT seq, timestamp, kind, session_id, prompt_id, payload_sha256, prev_sha256, chain_sha256
	FROM audit_events`

func scanAudit(r rowScanner) (*protocol.AuditEvent, error) {
	var ev protocol.AuditEvent
	var ts int64
	var sessionID, promptID sql.NullString
	err := r.Scan(&ev.Seq, &ts, &ev.Kind, &sessionID, &promptID,
		&ev.PayloadSHA256, &ev.PrevSHA256, &ev.ChainSHA256)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit: %w", err)
	}
	ev.Timestamp = fromUnixMS(ts)
	ev.SessionID = sessionID.String
	ev.PromptID = promptID.String
	return &ev, nil
}
