package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/attendhq/attend/internal/audit"
	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels"
	"github.com/attendhq/attend/internal/detect"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/pkg/protocol"
)

type staticPolicy struct{ p *policy.Policy }

func (s staticPolicy) Current() *policy.Policy { return s.p }

type fakeInjector struct {
	mu      sync.Mutex
	writes  [][]byte
	failErr error
}

func (f *fakeInjector) Inject(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return nil
}

func (f *fakeInjector) ClearTail() {}

func (f *fakeInjector) injected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

type fakeSender struct {
	mu     sync.Mutex
	events []bus.OutboundEvent
	err    error
}

func (f *fakeSender) SendPromptDirect(_ context.Context, _ string, evt bus.OutboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeSender) sent() []bus.OutboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundEvent(nil), f.events...)
}

type fixture struct {
	router   *Router
	store    *store.Store
	injector *fakeInjector
	sender   *fakeSender
	bus      *bus.MessageBus
	session  *protocol.Session
}

func newFixture(t *testing.T, policyYAML string, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	aud, err := audit.NewWriter(st, "")
	if err != nil {
		t.Fatal(err)
	}

	pol, err := policy.Parse([]byte(policyYAML))
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	sess := &protocol.Session{
		ID:           uuid.NewString(),
		Tool:         "claude",
		StartedAt:    time.Now(),
		Status:       protocol.SessionActive,
		AutonomyMode: protocol.AutonomyFull,
		ConvState:    protocol.ConvRunning,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatal(err)
	}

	inj := &fakeInjector{}
	snd := &fakeSender{}
	b := bus.NewMessageBus()
	gate := channels.NewGate(st, func(string, string) bool { return true })

	return &fixture{
		router:   New(cfg, sess, st, aud, staticPolicy{pol}, nil, inj, snd, gate, b),
		store:    st,
		injector: inj,
		sender:   snd,
		bus:      b,
		session:  sess,
	}
}

const autoReplyPolicy = `
policy_version: 1
autonomy_mode: full
rules:
  - id: approve-overwrite
    match:
      prompt_type: [YES_NO]
      min_confidence: high
      any_of: ["overwrite"]
    action: auto_reply
    value: "y"
defaults:
  no_match: require_human
  low_confidence: require_human
`

const escalatePolicy = `
policy_version: 1
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
  safe_default: true
`

const denyPolicy = `
policy_version: 1
autonomy_mode: full
rules:
  - id: block-everything
    match:
      prompt_type: [YES_NO]
    action: deny
defaults:
  no_match: require_human
`

func detection(kind protocol.PromptKind, conf protocol.Confidence, excerpt string) detect.Detection {
	return detect.Detection{Kind: kind, Confidence: conf, Excerpt: excerpt}
}

func TestAutoReplyResolvesWithoutChannel(t *testing.T) {
	f := newFixture(t, autoReplyPolicy, Config{TTLSeconds: 600})

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Overwrite main.go? (y/n)"), time.Now())

	got := f.injector.injected()
	if len(got) != 1 || got[0] != "y\n" {
		t.Fatalf("injected = %q, want [y\\n]", got)
	}
	if len(f.sender.sent()) != 0 {
		t.Error("auto-reply should not touch the channel")
	}
}

func TestEscalateThenHumanReply(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600, Channel: "telegram"})
	now := time.Now()

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Deploy to production? (y/n)"), now)

	sent := f.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("escalations = %d, want 1", len(sent))
	}
	payload := sent[0].Prompt
	if payload == nil || payload.Nonce == "" {
		t.Fatal("escalation carries no nonce")
	}

	p, err := f.store.GetPrompt(sent[0].PromptID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != protocol.PromptAwaitingReply {
		t.Fatalf("status = %s, want AWAITING_REPLY", p.Status)
	}

	f.router.HandleReply(context.Background(), bus.InboundReply{
		Channel: "telegram", Identity: "42|alice", Nonce: payload.Nonce, Body: "y",
	}, now.Add(time.Second))

	if got := f.injector.injected(); len(got) != 1 || got[0] != "y\n" {
		t.Fatalf("injected = %q", got)
	}
	p, _ = f.store.GetPrompt(sent[0].PromptID)
	if p.Status != protocol.PromptResolved {
		t.Fatalf("status = %s, want RESOLVED", p.Status)
	}
	if p.LatencyMS < 0 {
		t.Errorf("latency = %d", p.LatencyMS)
	}
}

func TestDuplicateReplyInjectsOnce(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600})
	now := time.Now()

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)"), now)
	nonce := f.sender.sent()[0].Prompt.Nonce

	msg := bus.InboundReply{Channel: "telegram", Identity: "42", Nonce: nonce, Body: "y"}
	f.router.HandleReply(context.Background(), msg, now)
	f.router.HandleReply(context.Background(), msg, now.Add(time.Second))

	if got := f.injector.injected(); len(got) != 1 {
		t.Fatalf("injected %d times, want exactly once: %q", len(got), got)
	}
}

func TestConcurrentRepliesExactlyOnce(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600})
	now := time.Now()

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)"), now)
	nonce := f.sender.sent()[0].Prompt.Nonce

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.router.HandleReply(context.Background(), bus.InboundReply{
				Channel: "telegram", Identity: fmt.Sprintf("u%d", i), Nonce: nonce, Body: "y",
			}, now)
		}(i)
	}
	wg.Wait()

	if got := f.injector.injected(); len(got) != 1 {
		t.Fatalf("injected %d times, want exactly once", len(got))
	}
}

func TestDenyFailsPrompt(t *testing.T) {
	f := newFixture(t, denyPolicy, Config{TTLSeconds: 600})

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)"), time.Now())

	if len(f.injector.injected()) != 0 || len(f.sender.sent()) != 0 {
		t.Error("denied prompt reached injector or channel")
	}
}

func TestFreeTextDroppedWhenDisabled(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600, FreeTextEnabled: false})

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindFreeText, protocol.ConfidenceMed, "What is the branch name?"), time.Now())

	if len(f.sender.sent()) != 0 {
		t.Error("free-text prompt escalated while disabled")
	}
}

func TestSweepExpiresWithSafeDefault(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 1})
	past := time.Now().Add(-time.Minute)

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)"), past)
	promptID := f.sender.sent()[0].PromptID

	f.router.Sweep(context.Background(), time.Now())

	p, err := f.store.GetPrompt(promptID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != protocol.PromptExpired {
		t.Fatalf("status = %s, want EXPIRED", p.Status)
	}
	if got := f.injector.injected(); len(got) != 1 || got[0] != "n\n" {
		t.Fatalf("safe default injected = %q, want [n\\n]", got)
	}

	// A late reply after expiry is rejected.
	nonce := f.sender.sent()[0].Prompt.Nonce
	f.router.HandleReply(context.Background(), bus.InboundReply{
		Channel: "telegram", Identity: "42", Nonce: nonce, Body: "y",
	}, time.Now())
	if got := f.injector.injected(); len(got) != 1 {
		t.Fatalf("late reply injected: %q", got)
	}
}

func TestInjectFailureFailsPrompt(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600})
	now := time.Now()

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)"), now)
	sent := f.sender.sent()[0]

	f.injector.failErr = errors.New("child gone")
	f.router.HandleReply(context.Background(), bus.InboundReply{
		Channel: "telegram", Identity: "42", Nonce: sent.Prompt.Nonce, Body: "y",
	}, now)

	p, err := f.store.GetPrompt(sent.PromptID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != protocol.PromptFailed {
		t.Fatalf("status = %s, want FAILED after inject failure", p.Status)
	}
}

func TestDetectionFailsafe(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600})
	now := time.Now()

	for i := 0; i < failsafeMax+3; i++ {
		f.router.HandleDetection(context.Background(), detection(
			protocol.KindYesNo, protocol.ConfidenceHigh,
			fmt.Sprintf("Prompt %d? (y/n)", i)), now.Add(time.Duration(i)*time.Second))
	}

	if got := len(f.sender.sent()); got != failsafeMax {
		t.Fatalf("escalations = %d, want capped at %d", got, failsafeMax)
	}
}

func auditKinds(t *testing.T, st *store.Store) []string {
	t.Helper()
	var kinds []string
	if err := st.WalkAudit(func(ev *protocol.AuditEvent) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return kinds
}

func TestAutoReplyInjectFailureAuditsFailureOnly(t *testing.T) {
	f := newFixture(t, autoReplyPolicy, Config{TTLSeconds: 600})
	f.injector.failErr = errors.New("child gone")

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Overwrite main.go? (y/n)"), time.Now())

	var failed, injected bool
	for _, k := range auditKinds(t, f.store) {
		switch k {
		case protocol.AuditPromptFailed:
			failed = true
		case protocol.AuditReplyInjected:
			injected = true
		}
	}
	if !failed {
		t.Error("failed injection did not record prompt_failed")
	}
	if injected {
		t.Error("reply_injected recorded for an injection that never happened")
	}
}

func TestAutoReplyAuditCarriesLatency(t *testing.T) {
	f := newFixture(t, autoReplyPolicy, Config{TTLSeconds: 600})

	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Overwrite main.go? (y/n)"), time.Now())

	var ev *protocol.AuditEvent
	if err := f.store.WalkAudit(func(e *protocol.AuditEvent) error {
		if e.Kind == protocol.AuditReplyInjected {
			ev = e
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if ev == nil {
		t.Fatal("no reply_injected event")
	}
	p, err := f.store.GetPrompt(ev.PromptID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != protocol.PromptResolved {
		t.Fatalf("status = %s, want RESOLVED", p.Status)
	}

	// The payload hashes bit-faithfully only when latency_ms is present.
	raw, _ := json.Marshal(map[string]any{
		"source": string(protocol.ReplyPolicy), "rule_id": "approve-overwrite",
		"value_length": 2, "latency_ms": p.LatencyMS,
	})
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != ev.PayloadSHA256 {
		t.Error("reply_injected payload does not carry the resolution latency")
	}
}

func TestEscalationRetriesAfterSendFailure(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600, Channel: "telegram"})
	now := time.Now()

	f.sender.err = errors.New("circuit open")
	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Deploy? (y/n)"), now)

	if len(f.sender.sent()) != 0 {
		t.Fatal("send should have failed")
	}

	// Still failing: backoff doubles, nothing delivered.
	f.router.resendDue(context.Background(), now.Add(2*time.Second))
	f.router.retryMu.Lock()
	if len(f.router.retries) != 1 {
		f.router.retryMu.Unlock()
		t.Fatalf("retry queue = %d entries, want 1", len(f.router.retries))
	}
	var queued *pendingSend
	for _, p := range f.router.retries {
		queued = p
	}
	if queued.backoff != 2*retryBase {
		f.router.retryMu.Unlock()
		t.Fatalf("backoff = %v, want %v", queued.backoff, 2*retryBase)
	}
	f.router.retryMu.Unlock()

	// Channel recovers: the next due attempt delivers and drains the queue.
	f.sender.err = nil
	f.router.resendDue(context.Background(), now.Add(10*time.Second))

	sent := f.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("re-sends = %d, want 1", len(sent))
	}
	p, err := f.store.GetPrompt(sent[0].PromptID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != protocol.PromptAwaitingReply {
		t.Fatalf("status = %s, want AWAITING_REPLY", p.Status)
	}
	f.router.retryMu.Lock()
	if len(f.router.retries) != 0 {
		t.Error("delivered prompt still queued for re-send")
	}
	f.router.retryMu.Unlock()
}

func TestEscalationRetryBackoffCapped(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600})
	now := time.Now()

	f.sender.err = errors.New("unreachable")
	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)"), now)

	at := now
	for i := 0; i < 10; i++ {
		at = at.Add(2 * retryMax)
		f.router.resendDue(context.Background(), at)
	}

	f.router.retryMu.Lock()
	defer f.router.retryMu.Unlock()
	for _, p := range f.router.retries {
		if p.backoff > retryMax {
			t.Errorf("backoff = %v, exceeds cap %v", p.backoff, retryMax)
		}
	}
}

func TestRepeatedPromptDedupedWhileLive(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600})
	now := time.Now()

	det := detection(protocol.KindYesNo, protocol.ConfidenceHigh, "Proceed? (y/n)")
	det.ContentKey = "abc123"

	f.router.HandleDetection(context.Background(), det, now)
	// The child re-prints the same prompt long after the detector's hash
	// window; the first escalation is still awaiting a reply.
	f.router.HandleDetection(context.Background(), det, now.Add(time.Minute))

	if got := len(f.sender.sent()); got != 1 {
		t.Fatalf("escalations = %d, want 1 (re-print must dedup)", got)
	}
	deduped := false
	for _, k := range auditKinds(t, f.store) {
		if k == protocol.AuditPromptDeduped {
			deduped = true
		}
	}
	if !deduped {
		t.Error("no prompt_deduped audit event")
	}

	// Once the first prompt resolves, the same content may prompt again.
	nonce := f.sender.sent()[0].Prompt.Nonce
	f.router.HandleReply(context.Background(), bus.InboundReply{
		Channel: "telegram", Identity: "42", Nonce: nonce, Body: "y",
	}, now.Add(2*time.Minute))
	f.router.HandleDetection(context.Background(), det, now.Add(3*time.Minute))
	if got := len(f.sender.sent()); got != 2 {
		t.Fatalf("escalations after resolve = %d, want 2", got)
	}
}

func TestRenotifyAfterRestart(t *testing.T) {
	f := newFixture(t, escalatePolicy, Config{TTLSeconds: 600, Channel: "telegram"})
	now := time.Now()

	// A prompt escalated by the previous daemon run, still awaiting a reply.
	f.router.HandleDetection(context.Background(), detection(
		protocol.KindYesNo, protocol.ConfidenceHigh, "Deploy? (y/n)"), now.Add(-time.Minute))
	first := f.sender.sent()
	if len(first) != 1 {
		t.Fatalf("setup escalations = %d, want 1", len(first))
	}
	originalNonce := first[0].Prompt.Nonce

	pending, err := f.store.PendingPrompts(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after restart = %d, want 1", len(pending))
	}
	if err := f.store.AdoptPrompt(pending[0].ID, f.session.ID); err != nil {
		t.Fatal(err)
	}
	f.router.Renotify(context.Background(), pending[0])

	sent := f.sender.sent()
	if len(sent) != 2 {
		t.Fatalf("sends = %d, want exactly one re-notification", len(sent))
	}
	if sent[1].Prompt.Nonce != originalNonce {
		t.Errorf("re-notification nonce = %q, want the original %q", sent[1].Prompt.Nonce, originalNonce)
	}
	renotified := false
	for _, k := range auditKinds(t, f.store) {
		if k == protocol.AuditRestartRenotified {
			renotified = true
		}
	}
	if !renotified {
		t.Error("no restart_renotified audit event")
	}

	// The preserved nonce still claims the prompt exactly once.
	f.router.HandleReply(context.Background(), bus.InboundReply{
		Channel: "telegram", Identity: "42", Nonce: originalNonce, Body: "y",
	}, now)
	if got := f.injector.injected(); len(got) != 1 || got[0] != "y\n" {
		t.Fatalf("injected = %q, want [y\\n]", got)
	}
}
