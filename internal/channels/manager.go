package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/attendhq/attend/internal/bus"
)

// Manager owns the registered channels, their lifecycle, their circuit
// breakers, and the outbound dispatch loop.
type Manager struct {
	channels map[string]Channel
	breakers map[string]*Breaker
	bus      *bus.MessageBus
	onTrip   func(channel string, from, to BreakerState)

	dispatchCancel context.CancelFunc
	mu             sync.RWMutex
}

// NewManager creates a manager. onBreakerChange (optional) observes circuit
// transitions, typically to write audit events.
func NewManager(msgBus *bus.MessageBus, onBreakerChange func(channel string, from, to BreakerState)) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		breakers: make(map[string]*Breaker),
		bus:      msgBus,
		onTrip:   onBreakerChange,
	}
}

// RegisterChannel adds a channel and its breaker.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
	m.breakers[name] = NewBreaker(name, m.onTrip)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// IsAllowed checks an identity against the named channel's allowlist.
// Unknown channels allow nobody.
func (m *Manager) IsAllowed(channel, identity string) bool {
	ch, ok := m.GetChannel(channel)
	if !ok {
		return false
	}
	return ch.IsAllowed(identity)
}

// Status reports running and circuit state per channel.
func (m *Manager) Status() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]map[string]any, len(m.channels))
	for name, ch := range m.channels {
		entry := map[string]any{"running": ch.IsRunning()}
		if br := m.breakers[name]; br != nil {
			entry["circuit"] = br.State().String()
		}
		status[name] = entry
	}
	return status
}

// StartAll starts every registered channel and the outbound dispatcher.
// A channel that fails to start is logged and skipped; the others still run.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels configured, escalations have nowhere to go")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchCancel != nil {
		m.dispatchCancel()
		m.dispatchCancel = nil
	}
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound events and fans them out. An event with
// an explicit channel goes only there; an empty channel broadcasts to every
// running channel.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		evt, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}

		targets := m.targetsFor(evt.Channel)
		if len(targets) == 0 {
			slog.Warn("no channel for outbound event", "channel", evt.Channel, "kind", evt.Kind)
			continue
		}
		for _, name := range targets {
			if err := m.deliver(ctx, name, evt); err != nil {
				slog.Error("outbound delivery failed",
					"channel", name, "kind", evt.Kind, "prompt_id", evt.PromptID, "error", err)
			}
		}
	}
}

func (m *Manager) targetsFor(channel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if channel != "" {
		if _, ok := m.channels[channel]; ok {
			return []string{channel}
		}
		return nil
	}
	names := make([]string, 0, len(m.channels))
	for name, ch := range m.channels {
		if ch.IsRunning() {
			names = append(names, name)
		}
	}
	return names
}

// deliver sends one event through the named channel's breaker.
func (m *Manager) deliver(ctx context.Context, name string, evt bus.OutboundEvent) error {
	m.mu.RLock()
	ch := m.channels[name]
	br := m.breakers[name]
	m.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("channel %s not registered", name)
	}

	if br != nil && !br.Allow() {
		return fmt.Errorf("%w: %s circuit open", ErrChannelUnavailable, name)
	}

	var err error
	switch evt.Kind {
	case bus.OutboundPrompt:
		err = ch.SendPrompt(ctx, evt)
	case bus.OutboundOutput:
		err = ch.SendOutput(ctx, evt)
	case bus.OutboundNotify:
		err = ch.Notify(ctx, evt)
	default:
		return fmt.Errorf("unknown outbound kind %q", evt.Kind)
	}

	if br != nil {
		if err != nil {
			br.RecordFailure(err)
		} else {
			br.RecordSuccess()
		}
	}
	return err
}

// SendPromptDirect delivers a prompt event synchronously, bypassing the bus
// queue. Used by the router when it needs the delivery outcome (to decide
// between AWAITING_REPLY and FAILED).
func (m *Manager) SendPromptDirect(ctx context.Context, channel string, evt bus.OutboundEvent) error {
	targets := m.targetsFor(channel)
	if len(targets) == 0 {
		return fmt.Errorf("%w: no running channel", ErrChannelUnavailable)
	}
	var lastErr error
	delivered := false
	for _, name := range targets {
		if err := m.deliver(ctx, name, evt); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}
