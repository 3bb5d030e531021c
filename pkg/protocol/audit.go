package protocol

import "time"

// AuditKind enumerates lifecycle events recorded in the hash chain.
const (
	AuditSessionStarted         = "session_started"
	AuditSessionEnded           = "session_ended"
	AuditSessionCrashed         = "session_crashed"
	AuditPromptDetected         = "prompt_detected"
	AuditPromptDeduped          = "prompt_deduped"
	AuditPolicyEvaluated        = "policy_evaluated"
	AuditChannelSent            = "channel_sent"
	AuditReplyReceived          = "reply_received"
	AuditReplyInjected          = "reply_injected"
	AuditPromptExpired          = "prompt_expired"
	AuditPromptCanceled         = "prompt_canceled"
	AuditPromptFailed           = "prompt_failed"
	AuditChannelMessageAccepted = "channel_message_accepted"
	AuditChannelMessageRejected = "channel_message_rejected"
	AuditCircuitOpened          = "circuit_opened"
	AuditCircuitClosed          = "circuit_closed"
	AuditRestartRenotified      = "restart_renotified"
	AuditPauseChanged           = "pause_changed"
)

// AuditEvent is one row of the append-only, hash-chained audit log.
// ChainSHA256[n] = H(PrevSHA256[n] | Seq | Timestamp | Kind | PayloadSHA256);
// PrevSHA256[n] = ChainSHA256[n-1]; the first row chains from a fixed genesis.
type AuditEvent struct {
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          string    `json:"kind"`
	SessionID     string    `json:"session_id,omitempty"`
	PromptID      string    `json:"prompt_id,omitempty"`
	PayloadSHA256 string    `json:"payload_sha256"`
	PrevSHA256    string    `json:"prev_sha256"`
	ChainSHA256   string    `json:"chain_sha256"`
}

// RejectReason enumerates why an inbound channel message was refused before
// reaching the decision guard. Each maps to a channel_message_rejected audit row.
type RejectReason string

const (
	RejectNotAllowlisted  RejectReason = "NOT_ALLOWLISTED"
	RejectPaused          RejectReason = "PAUSED"
	RejectRateLimited     RejectReason = "RATE_LIMITED"
	RejectUnknownPrompt   RejectReason = "UNKNOWN_PROMPT"
	RejectSessionMismatch RejectReason = "SESSION_MISMATCH"
	RejectExpired         RejectReason = "EXPIRED"
	RejectNotAwaiting     RejectReason = "NOT_AWAITING_REPLY"
	RejectPolicyForbids   RejectReason = "POLICY_FORBIDS"
	RejectBadNonce        RejectReason = "BAD_NONCE"
	RejectUnsafeBody      RejectReason = "UNSAFE_BODY"
)
