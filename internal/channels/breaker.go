package channels

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the delivery circuit state for one channel.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

const (
	breakerFailureThreshold = 3
	breakerCooldown         = 30 * time.Second
)

// Breaker guards one channel's send path. Three consecutive send failures
// open the circuit for a cooldown; the first send after cooldown is a probe,
// and its outcome closes or re-opens the circuit. State changes are surfaced
// through the optional callback so the supervisor can audit them.
type Breaker struct {
	mu sync.Mutex

	channel       string
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
	lastErr       error

	onStateChange func(channel string, from, to BreakerState)
}

// NewBreaker creates a closed breaker for the named channel.
func NewBreaker(channel string, onStateChange func(channel string, from, to BreakerState)) *Breaker {
	return &Breaker{channel: channel, onStateChange: onStateChange}
}

// Allow reports whether a send may proceed. An open circuit past its
// cooldown transitions to half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < breakerCooldown {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	b.lastErr = nil
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
		slog.Info("channel recovered", "channel", b.channel)
	}
}

// RecordFailure counts a send failure; at the threshold (or on a failed
// half-open probe) the circuit opens.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastErr = err
	b.failures++

	switch b.state {
	case BreakerClosed:
		if b.failures >= breakerFailureThreshold {
			b.open(err)
		}
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.open(err)
	}
}

func (b *Breaker) open(err error) {
	b.openedAt = time.Now()
	b.probeInFlight = false
	b.transition(BreakerOpen)
	slog.Warn("channel circuit opened", "channel", b.channel, "failures", b.failures, "error", err)
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.channel, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the most recent send failure, if any.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}
