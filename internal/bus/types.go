package bus

import "context"

// InboundReply is a candidate reply received from a channel (Telegram, Slack, etc.)
// before gating. Nonce binding and identity checks happen in the router path;
// channels only attach what the platform gave them.
type InboundReply struct {
	Channel   string            `json:"channel"`
	Identity  string            `json:"identity"`             // platform sender, compound "id|username" for Telegram
	ChatID    string            `json:"chat_id"`
	SessionID string            `json:"session_id,omitempty"` // session binding claimed by the message (thread/callback data)
	PromptID  string            `json:"prompt_id,omitempty"`
	Nonce     string            `json:"nonce"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundEvent is a message for the external channel: a prompt that needs a
// human, a forwarded output chunk, or a lifecycle notification.
type OutboundEvent struct {
	Kind      OutboundKind      `json:"kind"`
	Channel   string            `json:"channel,omitempty"` // empty = all running channels
	SessionID string            `json:"session_id"`
	PromptID  string            `json:"prompt_id,omitempty"`
	Text      string            `json:"text"`
	Prompt    *PromptPayload    `json:"prompt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundKind discriminates OutboundEvent payloads.
type OutboundKind string

const (
	OutboundPrompt OutboundKind = "prompt"
	OutboundOutput OutboundKind = "output"
	OutboundNotify OutboundKind = "notify"
)

// PromptPayload carries the wire-level shape of a forwarded prompt.
// Kind drives the UI affordance (buttons vs. free-text); the nonce is opaque
// to the channel and must round-trip on the reply.
type PromptPayload struct {
	Kind       string   `json:"kind"`
	Confidence string   `json:"confidence"`
	Excerpt    string   `json:"excerpt"`
	Nonce      string   `json:"nonce"`
	Choices    []string `json:"choices,omitempty"` // for NUMBERED_CHOICE buttons
	TTLSeconds int      `json:"ttl_seconds"`
}

// ReplyHandler handles a gated-candidate inbound reply.
type ReplyHandler func(InboundReply) error

// ReplyRouter abstracts inbound/outbound flow between channels and the router.
type ReplyRouter interface {
	PublishInbound(msg InboundReply)
	ConsumeInbound(ctx context.Context) (InboundReply, bool)
	PublishOutbound(evt OutboundEvent)
	ConsumeOutbound(ctx context.Context) (OutboundEvent, bool)
}
