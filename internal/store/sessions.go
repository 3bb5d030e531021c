package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/attendhq/attend/pkg/protocol"
)

// sessionColumns is the update allowlist: UpdateSession rejects any field
// outside this set, closing off a whole class of injection bugs.
var sessionColumns = map[string]bool{
	"status":               true,
	"ended_at":             true,
	"autonomy_mode":        true,
	"conversation_state":   true,
	"bound_channel_thread": true,
}

// CreateSession persists a new ACTIVE session.
func (s *Store) CreateSession(sess *protocol.Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, tool, started_at, status, autonomy_mode, conversation_state, bound_channel_thread)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Tool, unixMS(sess.StartedAt), string(sess.Status),
		string(sess.AutonomyMode), string(sess.ConvState), sess.ChannelThread)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSession applies the given fields to one session. Field names outside
// the allowlist are rejected before any SQL is built.
func (s *Store) UpdateSession(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	query := "UPDATE sessions SET "
	args := make([]any, 0, len(fields)+1)
	first := true
	for col, val := range fields {
		if !sessionColumns[col] {
			return fmt.Errorf("update session: column %q not in allowlist", col)
		}
		if !first {
			query += ", "
		}
		query += col + " = ?"
		if t, ok := val.(time.Time); ok {
			val = unixMS(t)
		}
		args = append(args, val)
		first = false
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// EndSession marks a session terminal and stamps ended_at.
func (s *Store) EndSession(id string, status protocol.SessionStatus, now time.Time) error {
	return s.UpdateSession(id, map[string]any{
		"status":             string(status),
		"ended_at":           now,
		"conversation_state": string(protocol.ConvStopped),
	})
}

// GetSession loads one session by ID.
func (s *Store) GetSession(id string) (*protocol.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, tool, started_at, ended_at, status, autonomy_mode, conversation_state, bound_channel_thread
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// ActiveSessions returns every session still marked ACTIVE. After a crash
// the previous daemon's session is in here; startup reaps it.
func (s *Store) ActiveSessions() ([]*protocol.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, tool, started_at, ended_at, status, autonomy_mode, conversation_state, bound_channel_thread
		FROM sessions WHERE status = ? ORDER BY started_at`, string(protocol.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(limit int) ([]*protocol.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, tool, started_at, ended_at, status, autonomy_mode, conversation_state, bound_channel_thread
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CancelSessionPrompts moves every non-terminal prompt of a session to
// CANCELED. Used when the child dies.
func (s *Store) CancelSessionPrompts(sessionID string, now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE prompts SET status = ?, resolved_at = ?
		WHERE session_id = ? AND status IN (?, ?, ?, ?)`,
		string(protocol.PromptCanceled), unixMS(now), sessionID,
		string(protocol.PromptCreated), string(protocol.PromptRouted),
		string(protocol.PromptAwaitingReply), string(protocol.PromptReplyReceived))
	if err != nil {
		return 0, fmt.Errorf("cancel prompts for session %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(r rowScanner) (*protocol.Session, error) {
	var sess protocol.Session
	var started int64
	var ended sql.NullInt64
	var status, mode, conv string
	if err := r.Scan(&sess.ID, &sess.Tool, &started, &ended, &status, &mode, &conv, &sess.ChannelThread); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = fromUnixMS(started)
	if ended.Valid {
		t := fromUnixMS(ended.Int64)
		sess.EndedAt = &t
	}
	sess.Status = protocol.SessionStatus(status)
	sess.AutonomyMode = protocol.AutonomyMode(mode)
	sess.ConvState = protocol.ConversationState(conv)
	return &sess, nil
}
