// Package lifecycle enforces the prompt state machine. Every status change in
// the system funnels through Transition so an illegal edge can never be
// persisted, no matter which component asked for it.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/attendhq/attend/pkg/protocol"
)

// validNext maps each status to the set of statuses it may move to.
// The happy path is CREATED → ROUTED → AWAITING_REPLY → REPLY_RECEIVED →
// INJECTED → RESOLVED; EXPIRED, CANCELED and FAILED are terminal side exits.
var validNext = map[protocol.PromptStatus][]protocol.PromptStatus{
	protocol.PromptCreated: {protocol.PromptRouted, protocol.PromptCanceled, protocol.PromptFailed},
	protocol.PromptRouted: {
		protocol.PromptAwaitingReply,
		protocol.PromptReplyReceived, // AUTO_REPLY skips the waiting state
		protocol.PromptCanceled,
		protocol.PromptFailed,
	},
	protocol.PromptAwaitingReply: {
		protocol.PromptReplyReceived,
		protocol.PromptExpired,
		protocol.PromptCanceled,
		protocol.PromptFailed,
	},
	protocol.PromptReplyReceived: {protocol.PromptInjected, protocol.PromptFailed},
	protocol.PromptInjected:      {protocol.PromptResolved, protocol.PromptFailed},
	protocol.PromptResolved:      nil,
	protocol.PromptExpired:       nil,
	protocol.PromptCanceled:      nil,
	protocol.PromptFailed:        nil,
}

// InvalidTransitionError reports a rejected edge.
type InvalidTransitionError struct {
	PromptID string
	From, To protocol.PromptStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("prompt %s: invalid transition %s → %s", e.PromptID, e.From, e.To)
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to protocol.PromptStatus) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition mutates p to the target status, recording resolution time and
// latency on entry to a terminal state. The caller persists the result.
func Transition(p *protocol.Prompt, to protocol.PromptStatus, now time.Time) error {
	if !CanTransition(p.Status, to) {
		return &InvalidTransitionError{PromptID: p.ID, From: p.Status, To: to}
	}

	p.Status = to
	if to.Terminal() {
		t := now
		p.ResolvedAt = &t
		if to == protocol.PromptResolved {
			p.LatencyMS = now.Sub(p.CreatedAt).Milliseconds()
			if p.LatencyMS < 0 {
				p.LatencyMS = 0
			}
		}
	}
	return nil
}
