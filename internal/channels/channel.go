// Package channels provides the escalation surface: adapters that carry
// prompts out to a messaging platform (Telegram, Slack) and carry human
// replies back in via the message bus. Channels never decide anything; they
// render, send, and collect.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/attendhq/attend/internal/bus"
)

// ErrChannelUnavailable is returned when a channel's circuit breaker is open
// or the platform cannot be reached. The router treats it as a delivery
// failure, not a decision.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Channel is the contract every escalation adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("telegram", "slack").
	Name() string

	// Start begins listening for replies. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// SendPrompt delivers an escalated prompt, rendering buttons for
	// button-kind prompts and plain text otherwise.
	SendPrompt(ctx context.Context, evt bus.OutboundEvent) error

	// SendOutput forwards a chunk of agent output for situational awareness.
	SendOutput(ctx context.Context, evt bus.OutboundEvent) error

	// Notify sends a lifecycle message (session started, expired, paused).
	Notify(ctx context.Context, evt bus.OutboundEvent) error

	// IsRunning reports whether the channel is actively processing.
	IsRunning() bool

	// IsAllowed checks the sender against the channel's identity allowlist.
	IsAllowed(identity string) bool
}

// BaseChannel carries the state shared by every adapter. Implementations
// embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

// NewBaseChannel wires a named adapter to the bus with its allowlist.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsAllowed checks an identity against the allowlist. An empty allowlist
// permits nobody: escalations carry control of a local terminal, so access is
// deny-by-default. Supports compound "id|username" on either side.
func (c *BaseChannel) IsAllowed(identity string) bool {
	if len(c.allowList) == 0 {
		return false
	}

	idPart := identity
	userPart := ""
	if idx := strings.Index(identity, "|"); idx > 0 {
		idPart = identity[:idx]
		userPart = identity[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if identity == allowed ||
			idPart == allowed ||
			identity == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && identity == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// HandleReply publishes a reply candidate to the bus. Allowlist screening
// happens here so an unauthorized sender never reaches the router queue;
// the router re-checks along with the rest of the gate.
func (c *BaseChannel) HandleReply(identity, chatID, nonce, body string, metadata map[string]string) bool {
	if !c.IsAllowed(identity) {
		return false
	}
	c.bus.PublishInbound(bus.InboundReply{
		Channel:  c.name,
		Identity: identity,
		ChatID:   chatID,
		Nonce:    nonce,
		Body:     body,
		Metadata: metadata,
	})
	return true
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
