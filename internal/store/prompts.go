package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/attendhq/attend/pkg/protocol"
)

// CreatePrompt persists a freshly detected prompt.
func (s *Store) CreatePrompt(p *protocol.Prompt) error {
	_, err := s.db.Exec(`
		INSERT INTO prompts (id, session_id, created_at, ttl_seconds, kind, confidence, excerpt, nonce, content_key, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, unixMS(p.CreatedAt), p.TTLSeconds,
		string(p.Kind), string(p.Confidence), p.Excerpt, p.Nonce, p.ContentKey, string(p.Status))
	if err != nil {
		return fmt.Errorf("create prompt %s: %w", p.ID, err)
	}
	return nil
}

// SetPromptStatus persists a status already validated by the state machine,
// together with resolution timestamps when present.
func (s *Store) SetPromptStatus(p *protocol.Prompt) error {
	var resolved any
	if p.ResolvedAt != nil {
		resolved = unixMS(*p.ResolvedAt)
	}
	var latency any
	if p.LatencyMS > 0 || p.Status == protocol.PromptResolved {
		latency = p.LatencyMS
	}
	_, err := s.db.Exec(`
		UPDATE prompts SET status = ?, resolved_at = ?, latency_ms = ? WHERE id = ?`,
		string(p.Status), resolved, latency, p.ID)
	if err != nil {
		return fmt.Errorf("set prompt %s status %s: %w", p.ID, p.Status, err)
	}
	return nil
}

// DecidePrompt is the atomic decision guard. A single statement claims the
// prompt for injection iff the nonce matches, the owning session is ACTIVE,
// the TTL has not elapsed, and the prompt is still AWAITING_REPLY. Exactly one
// concurrent caller can win; everyone else sees claimed == false.
func (s *Store) DecidePrompt(promptID, nonce string, now time.Time) (claimed bool, err error) {
	res, err := s.db.Exec(`
		UPDATE prompts SET status = ?
		WHERE id = ?
		  AND nonce = ?
		  AND status = ?
		  AND created_at + ttl_seconds * 1000 > ?
		  AND session_id IN (SELECT id FROM sessions WHERE status = ?)`,
		string(protocol.PromptReplyReceived),
		promptID, nonce, string(protocol.PromptAwaitingReply),
		unixMS(now), string(protocol.SessionActive))
	if err != nil {
		return false, fmt.Errorf("decide prompt %s: %w", promptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide prompt %s: rows affected: %w", promptID, err)
	}
	return n == 1, nil
}

// GetPrompt loads one prompt by ID, nil when absent.
func (s *Store) GetPrompt(id string) (*protocol.Prompt, error) {
	row := s.db.QueryRow(promptSelect+` WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// FindPromptByNonce resolves an inbound nonce to its prompt, if any.
func (s *Store) FindPromptByNonce(nonce string) (*protocol.Prompt, error) {
	row := s.db.QueryRow(promptSelect+` WHERE nonce = ?`, nonce)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// PendingPrompts enumerates AWAITING_REPLY prompts whose TTL has not elapsed.
// Called on startup for restart recovery.
func (s *Store) PendingPrompts(now time.Time) ([]*protocol.Prompt, error) {
	rows, err := s.db.Query(promptSelect+`
		WHERE status = ? AND created_at + ttl_seconds * 1000 > ?
		ORDER BY created_at`,
		string(protocol.PromptAwaitingReply), unixMS(now))
	if err != nil {
		return nil, fmt.Errorf("pending prompts: %w", err)
	}
	return collectPrompts(rows)
}

// LivePromptByContentKey finds a non-terminal prompt for the same session and
// detector content key, nil when none. The router uses it to suppress a
// re-printed prompt while the first escalation is still live.
func (s *Store) LivePromptByContentKey(sessionID, contentKey string) (*protocol.Prompt, error) {
	row := s.db.QueryRow(promptSelect+`
		WHERE session_id = ? AND content_key = ? AND status IN (?, ?, ?, ?, ?)
		LIMIT 1`,
		sessionID, contentKey,
		string(protocol.PromptCreated), string(protocol.PromptRouted),
		string(protocol.PromptAwaitingReply), string(protocol.PromptReplyReceived),
		string(protocol.PromptInjected))
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// AdoptPrompt rebinds a surviving prompt to the session that recovered it,
// so replies land in the live session after a restart. Only AWAITING_REPLY
// prompts move; anything that resolved in the meantime stays put.
func (s *Store) AdoptPrompt(promptID, sessionID string) error {
	_, err := s.db.Exec(`
		UPDATE prompts SET session_id = ? WHERE id = ? AND status = ?`,
		sessionID, promptID, string(protocol.PromptAwaitingReply))
	if err != nil {
		return fmt.Errorf("adopt prompt %s: %w", promptID, err)
	}
	return nil
}

// ExpiredPrompts enumerates AWAITING_REPLY prompts whose TTL has elapsed.
// The sweeper moves each to EXPIRED.
func (s *Store) ExpiredPrompts(now time.Time) ([]*protocol.Prompt, error) {
	rows, err := s.db.Query(promptSelect+`
		WHERE status = ? AND created_at + ttl_seconds * 1000 <= ?
		ORDER BY created_at`,
		string(protocol.PromptAwaitingReply), unixMS(now))
	if err != nil {
		return nil, fmt.Errorf("expired prompts: %w", err)
	}
	return collectPrompts(rows)
}

// ActivePromptCount counts non-terminal prompts for one session.
func (s *Store) ActivePromptCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM prompts
		WHERE session_id = ? AND status IN (?, ?, ?)`,
		sessionID, string(protocol.PromptRouted),
		string(protocol.PromptAwaitingReply), string(protocol.PromptReplyReceived)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active prompt count: %w", err)
	}
	return n, nil
}

// InsertReply persists the accepted reply metadata. The UNIQUE constraint on
// prompt_id backs the at-most-one-reply invariant at the schema level.
func (s *Store) InsertReply(r *protocol.Reply) error {
	_, err := s.db.Exec(`
		INSERT INTO replies (id, prompt_id, value_length, source, identity, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.PromptID, r.ValueLength, string(r.Source), r.Identity, unixMS(r.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert reply for prompt %s: %w", r.PromptID, err)
	}
	return nil
}

const promptSelect = `
	SELECT id, session_id, created_at, ttl_seconds, kind, confidence, excerpt, nonce, content_key, status, resolved_at, latency_ms
	FROM prompts`

func scanPrompt(r rowScanner) (*protocol.Prompt, error) {
	var p protocol.Prompt
	var created int64
	var resolved, latency sql.NullInt64
	var kind, conf, status string
	err := r.Scan(&p.ID, &p.SessionID, &created, &p.TTLSeconds, &kind, &conf,
		&p.Excerpt, &p.Nonce, &p.ContentKey, &status, &resolved, &latency)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	p.CreatedAt = fromUnixMS(created)
	p.Kind = protocol.PromptKind(kind)
	p.Confidence = protocol.Confidence(conf)
	p.Status = protocol.PromptStatus(status)
	if resolved.Valid {
		t := fromUnixMS(resolved.Int64)
		p.ResolvedAt = &t
	}
	if latency.Valid {
		p.LatencyMS = latency.Int64
	}
	return &p, nil
}

func collectPrompts(rows *sql.Rows) ([]*protocol.Prompt, error) {
	defer rows.Close()
	var out []*protocol.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
