// Package protocol defines the shared vocabulary of the supervisor: prompt and
// session enumerations, persistent entity records, and audit event kinds.
// Every other package imports protocol; protocol imports nothing of ours.
package protocol

import "time"

// PromptKind classifies what the child process is waiting for.
type PromptKind string

const (
	KindYesNo          PromptKind = "YES_NO"
	KindConfirmEnter   PromptKind = "CONFIRM_ENTER"
	KindNumberedChoice PromptKind = "NUMBERED_CHOICE"
	KindFreeText       PromptKind = "FREE_TEXT"
	KindPassword       PromptKind = "PASSWORD"
	KindFolderTrust    PromptKind = "FOLDER_TRUST"
	// KindRawTerminal covers interactive UIs driven by cursor keys (arrow-key
	// menus, TUIs). These are never auto-replied and always escalated.
	KindRawTerminal PromptKind = "RAW_TERMINAL"
)

// Valid reports whether k is a known prompt kind.
func (k PromptKind) Valid() bool {
	switch k {
	case KindYesNo, KindConfirmEnter, KindNumberedChoice, KindFreeText,
		KindPassword, KindFolderTrust, KindRawTerminal:
		return true
	}
	return false
}

// Confidence grades how sure the detector is that the child is blocked.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH" // pattern match on the output tail
	ConfidenceMed  Confidence = "MED"  // PTY blocked-on-read inference
	ConfidenceLow  Confidence = "LOW"  // silence watchdog only
)

// Rank orders confidences for min/max comparisons: LOW < MED < HIGH.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMed:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// PromptStatus is the lifecycle state of a detected prompt.
type PromptStatus string

const (
	PromptCreated       PromptStatus = "CREATED"
	PromptRouted        PromptStatus = "ROUTED"
	PromptAwaitingReply PromptStatus = "AWAITING_REPLY"
	PromptReplyReceived PromptStatus = "REPLY_RECEIVED"
	PromptInjected      PromptStatus = "INJECTED"
	PromptResolved      PromptStatus = "RESOLVED"
	PromptExpired       PromptStatus = "EXPIRED"
	PromptCanceled      PromptStatus = "CANCELED"
	PromptFailed        PromptStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s PromptStatus) Terminal() bool {
	switch s {
	case PromptResolved, PromptExpired, PromptCanceled, PromptFailed:
		return true
	}
	return false
}

// DefaultTTLSeconds is the prompt time-to-live when config does not override it.
const DefaultTTLSeconds = 600

// ExcerptMaxChars caps the ANSI-stripped, redacted excerpt length.
const ExcerptMaxChars = 200

// Prompt is a single detected input-required event.
type Prompt struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	CreatedAt  time.Time    `json:"created_at"`
	TTLSeconds int          `json:"ttl_seconds"`
	Kind       PromptKind   `json:"kind"`
	Confidence Confidence   `json:"confidence"`
	Excerpt    string       `json:"excerpt"`
	Nonce      string       `json:"nonce"`
	ContentKey string       `json:"content_key,omitempty"`
	Status     PromptStatus `json:"status"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	LatencyMS  int64        `json:"latency_ms,omitempty"`
}

// Deadline returns the instant the prompt's TTL elapses.
func (p *Prompt) Deadline() time.Time {
	return p.CreatedAt.Add(time.Duration(p.TTLSeconds) * time.Second)
}

// Expired reports whether the TTL has elapsed at now.
func (p *Prompt) Expired(now time.Time) bool {
	return !now.Before(p.Deadline())
}
