package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/attendhq/attend/pkg/protocol"
)

func newPrompt(status protocol.PromptStatus) *protocol.Prompt {
	return &protocol.Prompt{
		ID:        "p1",
		SessionID: "s1",
		CreatedAt: time.Now().Add(-2 * time.Second),
		Status:    status,
	}
}

func TestTransition_HappyPath(t *testing.T) {
	p := newPrompt(protocol.PromptCreated)
	path := []protocol.PromptStatus{
		protocol.PromptRouted,
		protocol.PromptAwaitingReply,
		protocol.PromptReplyReceived,
		protocol.PromptInjected,
		protocol.PromptResolved,
	}
	for _, next := range path {
		if err := Transition(p, next, time.Now()); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if p.ResolvedAt == nil {
		t.Error("ResolvedAt not set on RESOLVED")
	}
	if p.LatencyMS <= 0 {
		t.Errorf("LatencyMS = %d, want > 0", p.LatencyMS)
	}
}

func TestTransition_AutoReplySkipsAwaiting(t *testing.T) {
	p := newPrompt(protocol.PromptRouted)
	if err := Transition(p, protocol.PromptReplyReceived, time.Now()); err != nil {
		t.Fatalf("ROUTED → REPLY_RECEIVED should be legal for auto-reply: %v", err)
	}
}

func TestTransition_Rejected(t *testing.T) {
	tests := []struct {
		from, to protocol.PromptStatus
	}{
		{protocol.PromptCreated, protocol.PromptInjected},
		{protocol.PromptCreated, protocol.PromptResolved},
		{protocol.PromptAwaitingReply, protocol.PromptInjected},
		{protocol.PromptResolved, protocol.PromptAwaitingReply},
		{protocol.PromptExpired, protocol.PromptReplyReceived},
		{protocol.PromptInjected, protocol.PromptAwaitingReply},
	}
	for _, tt := range tests {
		p := newPrompt(tt.from)
		err := Transition(p, tt.to, time.Now())
		if err == nil {
			t.Errorf("%s → %s accepted, want rejection", tt.from, tt.to)
			continue
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("%s → %s: error type %T", tt.from, tt.to, err)
		}
		if p.Status != tt.from {
			t.Errorf("rejected transition mutated status to %s", p.Status)
		}
	}
}

func TestTransition_TerminalStampsResolvedAt(t *testing.T) {
	for _, terminal := range []protocol.PromptStatus{protocol.PromptExpired, protocol.PromptCanceled} {
		p := newPrompt(protocol.PromptAwaitingReply)
		now := time.Now()
		if err := Transition(p, terminal, now); err != nil {
			t.Fatalf("to %s: %v", terminal, err)
		}
		if p.ResolvedAt == nil || !p.ResolvedAt.Equal(now) {
			t.Errorf("%s: ResolvedAt = %v, want %v", terminal, p.ResolvedAt, now)
		}
		if p.LatencyMS != 0 {
			t.Errorf("%s: latency recorded for non-RESOLVED terminal", terminal)
		}
	}
}

func TestTransition_LatencyNonNegative(t *testing.T) {
	p := newPrompt(protocol.PromptInjected)
	p.CreatedAt = time.Now().Add(time.Minute) // clock skew
	if err := Transition(p, protocol.PromptResolved, time.Now()); err != nil {
		t.Fatal(err)
	}
	if p.LatencyMS < 0 {
		t.Errorf("LatencyMS = %d, want >= 0", p.LatencyMS)
	}
}
