// Package daemon orchestrates one supervised run: the single-instance lock,
// store and audit bring-up, policy hot reload, channel startup, the PTY
// child, and the router that ties them together. It owns the process-wide
// cancellation: SIGINT/SIGTERM cancel one context that every component
// honours.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/attendhq/attend/internal/audit"
	"github.com/attendhq/attend/internal/bus"
	"github.com/attendhq/attend/internal/channels"
	"github.com/attendhq/attend/internal/channels/slack"
	"github.com/attendhq/attend/internal/channels/telegram"
	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/detect"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/internal/ptyproc"
	"github.com/attendhq/attend/internal/router"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/internal/trace"
	"github.com/attendhq/attend/internal/tracing"
	"github.com/attendhq/attend/pkg/protocol"
)

// Daemon supervises one child process under the active configuration.
type Daemon struct {
	cfg     *config.Config
	version string
}

// New builds a daemon; Run does all the work.
func New(cfg *config.Config, version string) *Daemon {
	return &Daemon{cfg: cfg, version: version}
}

// modeOverride wraps the policy watcher so a config-level autonomy override
// wins over the file's autonomy_mode without editing the file.
type modeOverride struct {
	inner *policy.Watcher
	mode  protocol.AutonomyMode
}

func (m modeOverride) Current() *policy.Policy {
	return m.inner.Current().WithMode(m.mode)
}

// Run executes the full lifecycle for one supervised command and blocks until
// the child exits or the context is cancelled.
func (d *Daemon) Run(ctx context.Context, command string, args []string) error {
	home := config.Home()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lock, err := AcquireLock(config.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	shutdownTelemetry, err := tracing.Init(ctx, d.cfg.Telemetry, d.version)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without it", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	st, err := store.Open(config.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(false); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	mirror := ""
	if d.cfg.Audit.MirrorJSONL {
		mirror = config.AuditMirrorPath()
	}
	aud, err := audit.NewWriter(st, mirror)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer aud.Close()

	watcher, err := policy.NewWatcher(config.PolicyPath())
	if err != nil {
		return fmt.Errorf("load policy %s: %w", config.PolicyPath(), err)
	}
	var policies router.PolicyProvider = watcher
	if mode, ok := d.cfg.AutonomyOverride(); ok {
		policies = modeOverride{inner: watcher, mode: mode}
		slog.Info("autonomy mode overridden by config", "mode", string(mode))
	}

	tr, err := trace.NewWriter(config.TracePath())
	if err != nil {
		slog.Warn("decision trace unavailable", "error", err)
		tr = nil
	} else {
		defer tr.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	now := time.Now().UTC()

	// Restart recovery, part 1: collect prompts still worth answering before
	// reaping the sessions the previous daemon left ACTIVE.
	pending, err := st.PendingPrompts(now)
	if err != nil {
		return fmt.Errorf("load pending prompts: %w", err)
	}
	stale, err := st.ActiveSessions()
	if err != nil {
		return fmt.Errorf("load active sessions: %w", err)
	}
	for _, s := range stale {
		if err := st.EndSession(s.ID, protocol.SessionCrashed, now); err != nil {
			slog.Error("reap stale session failed", "session_id", s.ID, "error", err)
			continue
		}
		aud.Append(protocol.AuditSessionCrashed, s.ID, "", map[string]any{"reason": "stale_on_startup"})
	}

	sess := &protocol.Session{
		ID:           uuid.NewString(),
		Tool:         filepath.Base(command),
		StartedAt:    now,
		Status:       protocol.SessionActive,
		AutonomyMode: policies.Current().Mode(),
		ConvState:    protocol.ConvRunning,
	}
	if err := st.CreateSession(sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	aud.Append(protocol.AuditSessionStarted, sess.ID, "", map[string]any{
		"tool": sess.Tool, "autonomy_mode": string(sess.AutonomyMode),
	})

	// Restart recovery, part 2: surviving prompts move to the new session so
	// the reply gate accepts answers to them. Nonces are untouched.
	for _, p := range pending {
		if err := st.AdoptPrompt(p.ID, sess.ID); err != nil {
			slog.Error("adopt prompt failed", "prompt_id", p.ID, "error", err)
			continue
		}
		p.SessionID = sess.ID
	}
	for _, s := range stale {
		if n, err := st.CancelSessionPrompts(s.ID, now); err == nil && n > 0 {
			slog.Info("canceled unrecoverable prompts", "session_id", s.ID, "count", n)
		}
	}

	msgBus := bus.NewMessageBus()
	mgr := channels.NewManager(msgBus, func(name string, from, to channels.BreakerState) {
		switch to {
		case channels.BreakerOpen:
			aud.Append(protocol.AuditCircuitOpened, sess.ID, "", map[string]any{"channel": name})
		case channels.BreakerClosed:
			aud.Append(protocol.AuditCircuitClosed, sess.ID, "", map[string]any{"channel": name})
		}
	})
	d.registerChannels(mgr, msgBus, st, sess, aud)
	gate := channels.NewGate(st, mgr.IsAllowed)

	sup := ptyproc.New(ptyproc.Config{
		Command: command,
		Args:    args,
		Silence: time.Duration(d.cfg.Prompt.SilenceSeconds) * time.Second,
	})

	rtr := router.New(router.Config{
		Channel:         d.preferredChannel(),
		TTLSeconds:      d.cfg.Prompt.TimeoutSeconds,
		FreeTextEnabled: d.cfg.Prompt.FreeTextEnabled,
		OutputForward:   d.cfg.Output.Forward,
	}, sess, st, aud, policies, tr, sup, mgr, gate, msgBus)

	go func() {
		if err := watcher.Run(ctx); err != nil {
			slog.Warn("policy watcher stopped", "error", err)
		}
	}()
	if err := mgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}
	defer mgr.StopAll(context.Background())

	if err := sup.Start(ctx); err != nil {
		st.EndSession(sess.ID, protocol.SessionCrashed, time.Now().UTC())
		aud.Append(protocol.AuditSessionCrashed, sess.ID, "", map[string]any{"reason": "spawn_failed"})
		return fmt.Errorf("start %s: %w", command, err)
	}

	go rtr.Run(ctx)
	go d.runRetention(ctx, st)

	// Renotify after channels are up so the sends have somewhere to go.
	for _, p := range pending {
		rtr.Renotify(ctx, p)
	}

	exitErr := d.eventLoop(ctx, sup, rtr)

	end := time.Now().UTC()
	canceled, _ := st.CancelSessionPrompts(sess.ID, end)

	status, kind := protocol.SessionEnded, protocol.AuditSessionEnded
	if exitErr != nil && ctx.Err() == nil {
		status, kind = protocol.SessionCrashed, protocol.AuditSessionCrashed
	}
	if err := st.EndSession(sess.ID, status, end); err != nil {
		slog.Error("end session failed", "session_id", sess.ID, "error", err)
	}
	aud.Append(kind, sess.ID, "", map[string]any{"canceled_prompts": canceled})

	msgBus.PublishOutbound(bus.OutboundEvent{
		Kind:      bus.OutboundNotify,
		SessionID: sess.ID,
		Text:      fmt.Sprintf("session for %s %s (%d prompt(s) canceled)", sess.Tool, statusWord(status), canceled),
	})

	if status == protocol.SessionCrashed {
		return fmt.Errorf("%s exited abnormally: %w", command, exitErr)
	}
	return nil
}

// eventLoop pumps supervisor events through the detector into the router
// until the child exits.
func (d *Daemon) eventLoop(ctx context.Context, sup *ptyproc.Supervisor, rtr *router.Router) error {
	det := detect.New()
	for {
		select {
		case <-ctx.Done():
			sup.Close()
			// Drain until the exit event so the child is reaped.
			for evt := range sup.Events() {
				if evt.Kind == ptyproc.EventExit {
					return evt.Err
				}
			}
			return nil
		case evt, ok := <-sup.Events():
			if !ok {
				return nil
			}
			now := time.Now().UTC()
			switch evt.Kind {
			case ptyproc.EventOutput:
				sig := detect.Signals{BlockedRead: evt.Drained, EchoSuspect: evt.EchoSuspect}
				if cand, hit := det.Scan(sup.Tail(), sig, now); hit {
					rtr.HandleDetection(ctx, cand, now)
				}
				if d.cfg.Output.Forward {
					rtr.ForwardOutput(string(evt.Chunk))
				}
			case ptyproc.EventIdle:
				if cand, hit := det.Scan(sup.Tail(), detect.Signals{Silence: true}, now); hit {
					rtr.HandleDetection(ctx, cand, now)
				}
			case ptyproc.EventExit:
				return evt.Err
			}
		}
	}
}

// registerChannels builds each enabled channel and wires the Telegram command
// controls to the store.
func (d *Daemon) registerChannels(mgr *channels.Manager, msgBus *bus.MessageBus,
	st *store.Store, sess *protocol.Session, aud *audit.Writer) {
	for _, name := range d.cfg.EnabledChannels() {
		switch name {
		case "telegram":
			tg, err := telegram.New(telegram.Config{
				Token:     d.cfg.Channels.Telegram.Token,
				ChatID:    d.cfg.Channels.Telegram.ChatID,
				AllowFrom: d.cfg.Channels.Telegram.AllowFrom,
				Proxy:     d.cfg.Channels.Telegram.Proxy,
			}, msgBus)
			if err != nil {
				slog.Error("telegram channel init failed", "error", err)
				continue
			}
			tg.SetControls(telegram.Controls{
				Status: func() string { return statusSummary(st, sess) },
				Pause:  func() error { return setPaused(st, aud, sess.ID, true) },
				Resume: func() error { return setPaused(st, aud, sess.ID, false) },
			})
			mgr.RegisterChannel("telegram", tg)
		case "slack":
			sl, err := slack.New(slack.Config{
				BotToken:  d.cfg.Channels.Slack.BotToken,
				AppToken:  d.cfg.Channels.Slack.AppToken,
				ChannelID: d.cfg.Channels.Slack.ChannelID,
				AllowFrom: d.cfg.Channels.Slack.AllowFrom,
			}, msgBus)
			if err != nil {
				slog.Error("slack channel init failed", "error", err)
				continue
			}
			mgr.RegisterChannel("slack", sl)
		}
	}
	if len(mgr.Names()) == 0 {
		slog.Warn("no channels configured; prompts can only auto-reply or expire")
	}
}

// preferredChannel maps the channel mode to the router's send target.
// Multi-channel mode broadcasts.
func (d *Daemon) preferredChannel() string {
	switch d.cfg.Channels.Mode {
	case "telegram", "slack":
		return d.cfg.Channels.Mode
	}
	return ""
}

func setPaused(st *store.Store, aud *audit.Writer, sessionID string, paused bool) error {
	if err := st.SetPaused(paused); err != nil {
		return err
	}
	_, err := aud.Append(protocol.AuditPauseChanged, sessionID, "", map[string]any{"paused": paused})
	return err
}

func statusSummary(st *store.Store, sess *protocol.Session) string {
	pendingCount := 0
	if n, err := st.ActivePromptCount(sess.ID); err == nil {
		pendingCount = n
	}
	state := "running"
	if paused, err := st.Paused(); err == nil && paused {
		state = "paused"
	}
	return fmt.Sprintf("supervising %s since %s: %s, %d prompt(s) open",
		sess.Tool, sess.StartedAt.Format(time.RFC3339), state, pendingCount)
}

func statusWord(s protocol.SessionStatus) string {
	if s == protocol.SessionCrashed {
		return "crashed"
	}
	return "ended"
}
