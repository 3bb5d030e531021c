package channels

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("telegram", nil)
	errSend := errors.New("timeout")

	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.RecordFailure(errSend)
		if !b.Allow() {
			t.Fatalf("circuit opened after %d failures", i+1)
		}
	}
	b.RecordFailure(errSend)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("open circuit allowed a send inside cooldown")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("slack", nil)
	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure(errors.New("down"))
	}
	// Simulate cooldown elapsing.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-breakerCooldown - time.Second)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("cooled-down circuit refused the probe")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	// Only one probe at a time.
	if b.Allow() {
		t.Error("second concurrent probe allowed")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state after successful probe = %s, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed circuit refused a send")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker("slack", nil)
	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure(errors.New("down"))
	}
	b.mu.Lock()
	b.openedAt = time.Now().Add(-breakerCooldown - time.Second)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("probe refused")
	}
	b.RecordFailure(errors.New("still down"))
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open after failed probe", b.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 4)
	b := NewBreaker("telegram", func(channel string, from, to BreakerState) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure(errors.New("x"))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[0] != "closed>open" {
		t.Errorf("transitions = %v", transitions)
	}
}
