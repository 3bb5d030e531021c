package protocol

import "time"

// SessionStatus is the lifecycle state of a supervised child run.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionEnded   SessionStatus = "ENDED"
	SessionCrashed SessionStatus = "CRASHED"
)

// AutonomyMode determines whether policy decisions execute automatically.
type AutonomyMode string

const (
	AutonomyOff    AutonomyMode = "OFF"    // every prompt escalates to a human
	AutonomyAssist AutonomyMode = "ASSIST" // auto-reply only HIGH-confidence matches
	AutonomyFull   AutonomyMode = "FULL"   // policy rules execute as written
)

// ParseAutonomyMode maps the config spelling ("off", "assist", "full").
func ParseAutonomyMode(s string) (AutonomyMode, bool) {
	switch s {
	case "off", "OFF":
		return AutonomyOff, true
	case "assist", "ASSIST":
		return AutonomyAssist, true
	case "full", "FULL":
		return AutonomyFull, true
	}
	return "", false
}

// ConversationState tracks what the child is doing right now.
type ConversationState string

const (
	ConvIdle          ConversationState = "IDLE"
	ConvRunning       ConversationState = "RUNNING"
	ConvStreaming     ConversationState = "STREAMING"
	ConvAwaitingInput ConversationState = "AWAITING_INPUT"
	ConvStopped       ConversationState = "STOPPED"
)

// Session is one supervised child run.
type Session struct {
	ID            string            `json:"id"`
	Tool          string            `json:"tool"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	Status        SessionStatus     `json:"status"`
	AutonomyMode  AutonomyMode      `json:"autonomy_mode"`
	ConvState     ConversationState `json:"conversation_state"`
	ChannelThread string            `json:"bound_channel_thread,omitempty"`
}

// ReplySource records who produced the injected bytes.
type ReplySource string

const (
	ReplyHuman   ReplySource = "HUMAN"
	ReplyPolicy  ReplySource = "POLICY"
	ReplyDefault ReplySource = "DEFAULT" // kind-specific safe default on expiry
)

// Reply is the accepted reply for a prompt. The raw value is never persisted;
// only its length survives for audit purposes.
type Reply struct {
	ID          string      `json:"id"`
	PromptID    string      `json:"prompt_id"`
	ValueLength int         `json:"value_length"`
	Source      ReplySource `json:"source"`
	Identity    string      `json:"identity,omitempty"`
	ReceivedAt  time.Time   `json:"received_at"`
}
