// Package router is the decision heart of the supervisor. The forward path
// turns detections into persisted prompts, runs them through policy, and
// either injects an automatic reply or escalates to a channel. The return
// path gates inbound replies, claims the prompt atomically, and injects
// exactly one winner.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/attendhq/attend/internal/audit"
	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels"
	"github.com/attendhq/attend/internal/detect"
	"github.com/attendhq/attend/internal/lifecycle"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/internal/trace"
	"github.com/attendhq/attend/internal/tracing"
	"github.com/attendhq/attend/pkg/protocol"
)

const (
	// sweepInterval is how often the TTL sweeper runs.
	sweepInterval = 10 * time.Second

	// failsafeWindow / failsafeMax bound the detection rate: more than
	// failsafeMax escalations inside the window stops escalating and warns,
	// because a flood means the detector is misfiring.
	failsafeWindow = 60 * time.Second
	failsafeMax    = 5

	// retryBase / retryMax bound the re-send backoff for prompts whose
	// escalation failed. The prompt stays AWAITING_REPLY between attempts;
	// only the TTL sweeper expires it.
	retryBase = time.Second
	retryMax  = 60 * time.Second
)

// Injector is the slice of the PTY supervisor the router needs.
type Injector interface {
	Inject(b []byte) error
	ClearTail()
}

// Sender delivers prompt events synchronously so the router learns the
// delivery outcome. channels.Manager implements it.
type Sender interface {
	SendPromptDirect(ctx context.Context, channel string, evt bus.OutboundEvent) error
}

// PolicyProvider yields the active policy; policy.Watcher implements it.
type PolicyProvider interface {
	Current() *policy.Policy
}

// Config is the per-session routing configuration.
type Config struct {
	Channel         string // preferred channel name, empty = broadcast
	TTLSeconds      int
	FreeTextEnabled bool
	OutputForward   bool // forward output chunks for situational awareness
}

// Router routes prompts for one supervised session.
type Router struct {
	cfg      Config
	session  *protocol.Session
	store    *store.Store
	audit    *audit.Writer
	policies PolicyProvider
	buckets  *policy.Buckets
	trace    *trace.Writer
	injector Injector
	sender   Sender
	gate     *channels.Gate
	msgBus   *bus.MessageBus

	outputLimiter  *rate.Limiter
	failsafeTimes  []time.Time
	failsafeActive bool

	retryMu sync.Mutex
	retries map[string]*pendingSend
}

// pendingSend tracks an AWAITING_REPLY prompt whose escalation has not yet
// reached a channel.
type pendingSend struct {
	prompt  *protocol.Prompt
	next    time.Time
	backoff time.Duration
}

// New wires a router for an active session. trace may be nil (tracing off).
func New(cfg Config, sess *protocol.Session, st *store.Store, aud *audit.Writer,
	policies PolicyProvider, tr *trace.Writer, inj Injector, snd Sender,
	gate *channels.Gate, msgBus *bus.MessageBus) *Router {
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = protocol.DefaultTTLSeconds
	}
	return &Router{
		cfg:           cfg,
		session:       sess,
		store:         st,
		audit:         aud,
		policies:      policies,
		buckets:       policy.NewBuckets(),
		trace:         tr,
		injector:      inj,
		sender:        snd,
		gate:          gate,
		msgBus:        msgBus,
		outputLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
		retries:       make(map[string]*pendingSend),
	}
}

// Run consumes inbound replies and runs the TTL sweeper until ctx is done.
func (r *Router) Run(ctx context.Context) {
	go r.retryLoop(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, time.Now())
		default:
		}

		// Bounded wait so the sweeper keeps its cadence even with a quiet bus.
		waitCtx, cancel := context.WithTimeout(ctx, sweepInterval)
		msg, ok := r.msgBus.ConsumeInbound(waitCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		r.HandleReply(ctx, msg, time.Now())
	}
}

// HandleDetection runs the forward path for one classified detection.
func (r *Router) HandleDetection(ctx context.Context, det detect.Detection, now time.Time) {
	ctx, span := tracing.Tracer("router").Start(ctx, "prompt.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("prompt.kind", string(det.Kind)),
		attribute.String("prompt.confidence", string(det.Confidence)),
	)

	if r.failsafeTripped(now) {
		slog.Warn("detection fail-safe active, not escalating",
			"session_id", r.session.ID, "kind", det.Kind)
		return
	}

	// Second dedup layer behind the detector's hash window: a child that
	// re-prints its prompt must not spawn a second escalation while the
	// first is still live.
	if det.ContentKey != "" {
		live, err := r.store.LivePromptByContentKey(r.session.ID, det.ContentKey)
		if err != nil {
			slog.Error("dedup lookup failed", "error", err)
		} else if live != nil {
			r.auditEvent(protocol.AuditPromptDeduped, live.ID, map[string]any{
				"content_key": det.ContentKey,
			})
			return
		}
	}

	prompt := &protocol.Prompt{
		ID:         uuid.NewString(),
		SessionID:  r.session.ID,
		CreatedAt:  now,
		TTLSeconds: r.cfg.TTLSeconds,
		Kind:       det.Kind,
		Confidence: det.Confidence,
		Excerpt:    det.Excerpt,
		Nonce:      uuid.NewString(),
		ContentKey: det.ContentKey,
		Status:     protocol.PromptCreated,
	}
	if err := r.store.CreatePrompt(prompt); err != nil {
		slog.Error("persist prompt failed", "error", err)
		return
	}
	r.auditEvent(protocol.AuditPromptDetected, prompt.ID, map[string]any{
		"kind": string(det.Kind), "confidence": string(det.Confidence),
	})
	if err := r.transition(prompt, protocol.PromptRouted, now); err != nil {
		return
	}
	r.setConvState(protocol.ConvAwaitingInput)

	// FREE_TEXT detections are dropped entirely when free text is disabled;
	// there is nothing a remote human would be permitted to send back.
	if det.Kind == protocol.KindFreeText && !r.cfg.FreeTextEnabled {
		r.transition(prompt, protocol.PromptCanceled, now)
		r.auditEvent(protocol.AuditPromptCanceled, prompt.ID, map[string]any{"reason": "free_text_disabled"})
		return
	}

	in := policy.Input{
		Kind:       det.Kind,
		Confidence: det.Confidence,
		Excerpt:    det.Excerpt,
		SessionTag: r.session.Tool,
		Identity:   "local",
		Channel:    r.cfg.Channel,
	}
	pol := r.policies.Current()
	decision := policy.Evaluate(pol, in, r.buckets.Take)
	span.SetAttributes(
		attribute.String("policy.action", string(decision.Action)),
		attribute.String("policy.rule_id", decision.RuleID),
	)

	r.auditEvent(protocol.AuditPolicyEvaluated, prompt.ID, map[string]any{
		"action": string(decision.Action), "rule_id": decision.RuleID, "reason": decision.Reason,
	})
	if r.trace != nil {
		if err := r.trace.Record(prompt.ID, r.session.ID, in, decision); err != nil {
			slog.Warn("decision trace write failed", "error", err)
		}
	}

	switch decision.Action {
	case policy.ActionAutoReply:
		r.autoReply(prompt, decision, now)
	case policy.ActionDeny:
		r.transition(prompt, protocol.PromptFailed, now)
		r.auditEvent(protocol.AuditPromptFailed, prompt.ID, map[string]any{
			"reason": "policy_deny", "rule_id": decision.RuleID,
		})
	default: // require_human
		r.escalate(ctx, prompt, now)
	}
}

// autoReply injects the policy's value without involving a channel.
func (r *Router) autoReply(prompt *protocol.Prompt, decision policy.Decision, now time.Time) {
	if err := r.transition(prompt, protocol.PromptReplyReceived, now); err != nil {
		return
	}
	value := decision.Value + "\n"
	reply := &protocol.Reply{
		ID:          uuid.NewString(),
		PromptID:    prompt.ID,
		ValueLength: len(value),
		Source:      protocol.ReplyPolicy,
		ReceivedAt:  now,
	}
	if err := r.store.InsertReply(reply); err != nil {
		slog.Error("persist auto-reply failed", "prompt_id", prompt.ID, "error", err)
	}
	if r.inject(prompt, []byte(value), now) {
		r.auditEvent(protocol.AuditReplyInjected, prompt.ID, map[string]any{
			"source": string(protocol.ReplyPolicy), "rule_id": decision.RuleID,
			"value_length": len(value), "latency_ms": prompt.LatencyMS,
		})
	}
}

// escalate sends the prompt out and parks it in AWAITING_REPLY.
func (r *Router) escalate(ctx context.Context, prompt *protocol.Prompt, now time.Time) {
	if err := r.transition(prompt, protocol.PromptAwaitingReply, now); err != nil {
		return
	}
	r.recordEscalation(now)

	evt := r.promptEvent(prompt)
	if err := r.sender.SendPromptDirect(ctx, r.cfg.Channel, evt); err != nil {
		// The prompt stays AWAITING_REPLY and the retry loop re-sends it
		// with capped backoff until it is delivered or the TTL expires.
		slog.Error("prompt escalation failed", "prompt_id", prompt.ID, "error", err)
		if errors.Is(err, channels.ErrChannelUnavailable) {
			r.auditEvent(protocol.AuditChannelSent, prompt.ID, map[string]any{"delivered": false})
		}
		r.scheduleResend(prompt, now)
		return
	}
	r.auditEvent(protocol.AuditChannelSent, prompt.ID, map[string]any{"delivered": true})
}

// scheduleResend queues a failed escalation for another delivery attempt.
// A prompt already queued keeps its backoff.
func (r *Router) scheduleResend(prompt *protocol.Prompt, now time.Time) {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	if _, ok := r.retries[prompt.ID]; ok {
		return
	}
	r.retries[prompt.ID] = &pendingSend{
		prompt:  prompt,
		next:    now.Add(retryBase),
		backoff: retryBase,
	}
}

// retryLoop re-sends undelivered prompts on their backoff schedule.
func (r *Router) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(retryBase)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.resendDue(ctx, now)
		}
	}
}

// resendDue attempts one delivery for every queued prompt whose backoff
// elapsed. Prompts that left AWAITING_REPLY in the meantime (answered,
// expired, canceled) are dropped from the queue.
func (r *Router) resendDue(ctx context.Context, now time.Time) {
	r.retryMu.Lock()
	var due []*pendingSend
	for _, p := range r.retries {
		if !p.next.After(now) {
			due = append(due, p)
		}
	}
	r.retryMu.Unlock()

	for _, p := range due {
		cur, err := r.store.GetPrompt(p.prompt.ID)
		if err != nil || cur == nil || cur.Status != protocol.PromptAwaitingReply {
			r.dropResend(p.prompt.ID)
			continue
		}

		if err := r.sender.SendPromptDirect(ctx, r.cfg.Channel, r.promptEvent(p.prompt)); err != nil {
			slog.Warn("prompt re-send failed", "prompt_id", p.prompt.ID,
				"backoff", p.backoff.String(), "error", err)
			r.retryMu.Lock()
			p.backoff = min(p.backoff*2, retryMax)
			p.next = now.Add(p.backoff)
			r.retryMu.Unlock()
			continue
		}
		r.dropResend(p.prompt.ID)
		r.auditEvent(protocol.AuditChannelSent, p.prompt.ID, map[string]any{
			"delivered": true, "retried": true,
		})
	}
}

func (r *Router) dropResend(id string) {
	r.retryMu.Lock()
	delete(r.retries, id)
	r.retryMu.Unlock()
}

// HandleReply runs the return path for one inbound candidate.
func (r *Router) HandleReply(ctx context.Context, msg bus.InboundReply, now time.Time) {
	_, span := tracing.Tracer("router").Start(ctx, "prompt.reply")
	defer span.End()
	span.SetAttributes(attribute.String("reply.channel", msg.Channel))

	prompt, reason, err := r.gate.Check(msg, now)
	if err != nil {
		slog.Error("reply gate error", "error", err)
		return
	}
	if reason != "" {
		r.rejectReply(msg, reason)
		return
	}

	claimed, err := r.store.DecidePrompt(prompt.ID, msg.Nonce, now)
	if err != nil {
		slog.Error("decide prompt failed", "prompt_id", prompt.ID, "error", err)
		return
	}
	if !claimed {
		// Lost the race against another reply, expiry, or cancellation.
		r.rejectReply(msg, protocol.RejectNotAwaiting)
		return
	}
	prompt.Status = protocol.PromptReplyReceived

	r.auditEvent(protocol.AuditChannelMessageAccepted, prompt.ID, map[string]any{
		"channel": msg.Channel, "identity": msg.Identity,
	})

	value := msg.Body
	if prompt.Kind != protocol.KindFreeText {
		value += "\n"
	}
	reply := &protocol.Reply{
		ID:          uuid.NewString(),
		PromptID:    prompt.ID,
		ValueLength: len(value),
		Source:      protocol.ReplyHuman,
		Identity:    msg.Identity,
		ReceivedAt:  now,
	}
	if err := r.store.InsertReply(reply); err != nil {
		slog.Error("persist reply failed", "prompt_id", prompt.ID, "error", err)
	}
	r.auditEvent(protocol.AuditReplyReceived, prompt.ID, map[string]any{
		"channel": msg.Channel, "identity": msg.Identity, "value_length": len(value),
	})

	if r.inject(prompt, []byte(value), now) {
		r.auditEvent(protocol.AuditReplyInjected, prompt.ID, map[string]any{
			"source": string(protocol.ReplyHuman), "value_length": len(value),
			"latency_ms": prompt.LatencyMS,
		})
	}
}

// inject writes bytes to the PTY and walks the prompt to RESOLVED, or to
// FAILED when the child is gone. A claimed prompt always reaches a terminal
// state here.
func (r *Router) inject(prompt *protocol.Prompt, value []byte, now time.Time) bool {
	if err := r.injector.Inject(value); err != nil {
		r.transition(prompt, protocol.PromptFailed, time.Now())
		r.auditEvent(protocol.AuditPromptFailed, prompt.ID, map[string]any{"reason": "inject: " + err.Error()})
		return false
	}
	if err := r.transition(prompt, protocol.PromptInjected, time.Now()); err != nil {
		return false
	}
	r.injector.ClearTail()
	if err := r.transition(prompt, protocol.PromptResolved, time.Now()); err != nil {
		return false
	}
	r.setConvState(protocol.ConvRunning)
	return true
}

// Sweep expires AWAITING_REPLY prompts whose TTL elapsed, optionally
// injecting a kind-specific safe default.
func (r *Router) Sweep(ctx context.Context, now time.Time) {
	expired, err := r.store.ExpiredPrompts(now)
	if err != nil {
		slog.Error("expired prompt sweep failed", "error", err)
		return
	}
	safeDefaults := r.policies.Current().Defaults.SafeDefault

	for _, p := range expired {
		if p.SessionID != r.session.ID {
			continue
		}
		if err := r.transition(p, protocol.PromptExpired, now); err != nil {
			continue
		}
		r.auditEvent(protocol.AuditPromptExpired, p.ID, map[string]any{"ttl_seconds": p.TTLSeconds})

		if safeDefaults {
			if def, ok := safeDefaultFor(p.Kind); ok {
				if err := r.injector.Inject([]byte(def)); err == nil {
					r.store.InsertReply(&protocol.Reply{
						ID:          uuid.NewString(),
						PromptID:    p.ID,
						ValueLength: len(def),
						Source:      protocol.ReplyDefault,
						ReceivedAt:  now,
					})
					r.auditEvent(protocol.AuditReplyInjected, p.ID, map[string]any{
						"source": string(protocol.ReplyDefault), "value_length": len(def),
					})
				}
			}
		}

		r.msgBus.PublishOutbound(bus.OutboundEvent{
			Kind:      bus.OutboundNotify,
			Channel:   r.cfg.Channel,
			SessionID: p.SessionID,
			PromptID:  p.ID,
			Text:      fmt.Sprintf("Prompt expired after %ds without a reply.", p.TTLSeconds),
		})
	}
}

// safeDefaultFor maps a prompt kind to the conservative expiry injection.
// Free-text and password prompts get nothing.
func safeDefaultFor(kind protocol.PromptKind) (string, bool) {
	switch kind {
	case protocol.KindYesNo, protocol.KindFolderTrust:
		return "n\n", true
	case protocol.KindConfirmEnter:
		return "\n", true
	case protocol.KindNumberedChoice:
		return "1\n", true
	}
	return "", false
}

// ForwardOutput publishes a redacted output chunk, throttled so a chatty
// child does not flood the channel.
func (r *Router) ForwardOutput(text string) {
	if !r.cfg.OutputForward || text == "" {
		return
	}
	if !r.outputLimiter.Allow() {
		return
	}
	r.msgBus.PublishOutbound(bus.OutboundEvent{
		Kind:      bus.OutboundOutput,
		Channel:   r.cfg.Channel,
		SessionID: r.session.ID,
		Text:      text,
	})
}

// Renotify re-sends a still-pending prompt after a restart, preserving its
// nonce so replies to the original message remain valid.
func (r *Router) Renotify(ctx context.Context, prompt *protocol.Prompt) {
	evt := r.promptEvent(prompt)
	if err := r.sender.SendPromptDirect(ctx, r.cfg.Channel, evt); err != nil {
		slog.Error("restart renotify failed", "prompt_id", prompt.ID, "error", err)
		return
	}
	r.auditEvent(protocol.AuditRestartRenotified, prompt.ID, nil)
}

func (r *Router) promptEvent(prompt *protocol.Prompt) bus.OutboundEvent {
	return bus.OutboundEvent{
		Kind:      bus.OutboundPrompt,
		Channel:   r.cfg.Channel,
		SessionID: prompt.SessionID,
		PromptID:  prompt.ID,
		Text:      prompt.Excerpt,
		Metadata:  map[string]string{"tool": r.session.Tool},
		Prompt: &bus.PromptPayload{
			Kind:       string(prompt.Kind),
			Confidence: string(prompt.Confidence),
			Excerpt:    prompt.Excerpt,
			Nonce:      prompt.Nonce,
			TTLSeconds: prompt.TTLSeconds,
		},
	}
}

func (r *Router) rejectReply(msg bus.InboundReply, reason protocol.RejectReason) {
	slog.Info("reply rejected", "channel", msg.Channel, "identity", msg.Identity, "reason", string(reason))
	r.auditEvent(protocol.AuditChannelMessageRejected, msg.PromptID, map[string]any{
		"channel": msg.Channel, "identity": msg.Identity, "reason": string(reason),
	})
}

// transition applies the state machine and persists the result.
func (r *Router) transition(p *protocol.Prompt, to protocol.PromptStatus, now time.Time) error {
	if err := lifecycle.Transition(p, to, now); err != nil {
		slog.Error("illegal prompt transition", "prompt_id", p.ID, "error", err)
		return err
	}
	if err := r.store.SetPromptStatus(p); err != nil {
		slog.Error("persist prompt status failed", "prompt_id", p.ID, "error", err)
		return err
	}
	return nil
}

func (r *Router) setConvState(state protocol.ConversationState) {
	if err := r.store.UpdateSession(r.session.ID, map[string]any{
		"conversation_state": string(state),
	}); err != nil {
		slog.Warn("update conversation state failed", "error", err)
	} else {
		r.session.ConvState = state
	}
}

func (r *Router) auditEvent(kind, promptID string, payload map[string]any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(kind, r.session.ID, promptID, payload); err != nil {
		slog.Error("audit append failed", "kind", kind, "error", err)
	}
}

// recordEscalation feeds the fail-safe window.
func (r *Router) recordEscalation(now time.Time) {
	r.failsafeTimes = append(r.failsafeTimes, now)
}

// failsafeTripped prunes the window and reports whether escalation must stop.
// The first trip notifies the channel once.
func (r *Router) failsafeTripped(now time.Time) bool {
	kept := r.failsafeTimes[:0]
	for _, t := range r.failsafeTimes {
		if now.Sub(t) < failsafeWindow {
			kept = append(kept, t)
		}
	}
	r.failsafeTimes = kept

	if len(kept) < failsafeMax {
		r.failsafeActive = false
		return false
	}
	if !r.failsafeActive {
		r.failsafeActive = true
		r.msgBus.PublishOutbound(bus.OutboundEvent{
			Kind:      bus.OutboundNotify,
			Channel:   r.cfg.Channel,
			SessionID: r.session.ID,
			Text: fmt.Sprintf("Detector fail-safe: more than %d prompts in %s; escalation paused until the flood subsides.",
				failsafeMax, failsafeWindow),
		})
	}
	return true
}
