package channels

import (
	"time"

	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/redact"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/pkg/protocol"
)

// Gate screens an inbound reply candidate before the router is allowed to
// act on it. Every rejection carries a reason for the audit log; acceptance
// means only that the candidate may attempt the atomic claim, which can
// still lose a race.
type Gate struct {
	store   *store.Store
	limiter *ReplyRateLimiter
	allowed func(channel, identity string) bool
}

// NewGate builds a gate over the store. allowed is the per-channel allowlist
// check, usually Manager.IsAllowed.
func NewGate(st *store.Store, allowed func(channel, identity string) bool) *Gate {
	return &Gate{
		store:   st,
		limiter: NewReplyRateLimiter(),
		allowed: allowed,
	}
}

// Check runs the screening steps in order and returns the prompt the reply
// targets when it passes. The first failing step names the rejection.
func (g *Gate) Check(msg bus.InboundReply, now time.Time) (*protocol.Prompt, protocol.RejectReason, error) {
	if g.allowed != nil && !g.allowed(msg.Channel, msg.Identity) {
		return nil, protocol.RejectNotAllowlisted, nil
	}

	paused, err := g.store.Paused()
	if err != nil {
		return nil, "", err
	}
	if paused {
		return nil, protocol.RejectPaused, nil
	}

	if !g.limiter.Allow(msg.Channel + ":" + msg.Identity) {
		return nil, protocol.RejectRateLimited, nil
	}

	if msg.Nonce == "" {
		return nil, protocol.RejectBadNonce, nil
	}

	var prompt *protocol.Prompt
	if msg.PromptID != "" {
		prompt, err = g.store.GetPrompt(msg.PromptID)
	} else {
		prompt, err = g.store.FindPromptByNonce(msg.Nonce)
	}
	if err != nil {
		return nil, "", err
	}
	if prompt == nil {
		return nil, protocol.RejectUnknownPrompt, nil
	}
	if prompt.Nonce != msg.Nonce {
		return nil, protocol.RejectBadNonce, nil
	}

	// A reply that claims a session binding must match the prompt's session.
	if msg.SessionID != "" && msg.SessionID != prompt.SessionID {
		return nil, protocol.RejectSessionMismatch, nil
	}
	sess, err := g.store.GetSession(prompt.SessionID)
	if err != nil {
		return nil, "", err
	}
	if sess == nil || sess.Status != protocol.SessionActive {
		return nil, protocol.RejectSessionMismatch, nil
	}

	if prompt.Expired(now) || prompt.Status == protocol.PromptExpired {
		return nil, protocol.RejectExpired, nil
	}
	if prompt.Status != protocol.PromptAwaitingReply {
		return nil, protocol.RejectNotAwaiting, nil
	}

	// RAW_TERMINAL prompts only carry advisory excerpts; a channel reply
	// cannot drive an arrow-key UI, so nothing is accepted for them.
	if prompt.Kind == protocol.KindRawTerminal {
		return nil, protocol.RejectPolicyForbids, nil
	}

	if !redact.Clean(msg.Body) {
		return nil, protocol.RejectUnsafeBody, nil
	}

	return prompt, "", nil
}
