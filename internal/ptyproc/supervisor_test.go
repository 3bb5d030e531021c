package ptyproc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppendTail_Bounded(t *testing.T) {
	s := New(Config{Command: "true"})

	// Feed ~100MB in mixed chunk sizes; the tail must never exceed TailSize.
	chunk := bytes.Repeat([]byte("x"), 1500)
	big := bytes.Repeat([]byte("y"), TailSize*3)
	total := 0
	for total < 100*1024*1024 {
		s.mu.Lock()
		s.appendTail(chunk)
		if len(s.tail) > TailSize {
			s.mu.Unlock()
			t.Fatalf("tail grew to %d bytes", len(s.tail))
		}
		s.appendTail(big)
		if len(s.tail) > TailSize {
			s.mu.Unlock()
			t.Fatalf("tail grew to %d bytes after oversized chunk", len(s.tail))
		}
		s.mu.Unlock()
		total += len(chunk) + len(big)
	}

	if got := len(s.Tail()); got != TailSize {
		t.Errorf("sustained tail = %d, want %d", got, TailSize)
	}
}

func TestAppendTail_KeepsLatestBytes(t *testing.T) {
	s := New(Config{Command: "true"})
	s.mu.Lock()
	s.appendTail(bytes.Repeat([]byte("a"), TailSize))
	s.appendTail([]byte("PROMPT?"))
	s.mu.Unlock()

	tail := s.Tail()
	if !bytes.HasSuffix(tail, []byte("PROMPT?")) {
		t.Errorf("tail lost the newest bytes: %q", tail[len(tail)-16:])
	}
	if len(tail) != TailSize {
		t.Errorf("tail = %d bytes, want %d", len(tail), TailSize)
	}
}

func TestEchoSuppressionWindow(t *testing.T) {
	s := New(Config{Command: "true", EchoSuppress: 50 * time.Millisecond})
	if s.EchoSuspect() {
		t.Error("echo-suspect before any inject")
	}
	s.mu.Lock()
	s.echoUntil = time.Now().Add(50 * time.Millisecond)
	s.mu.Unlock()
	if !s.EchoSuspect() {
		t.Error("not echo-suspect immediately after inject")
	}
	time.Sleep(60 * time.Millisecond)
	if s.EchoSuspect() {
		t.Error("echo window did not close")
	}
}

func TestInject_ChildGone(t *testing.T) {
	s := New(Config{Command: "true"})
	// Never started: no ptmx, no process.
	if err := s.Inject([]byte("y\n")); !errors.Is(err, ErrChildGone) {
		t.Errorf("Inject on dead child = %v, want ErrChildGone", err)
	}
}

func TestExitWaitsForWatchdog(t *testing.T) {
	// The child exiting during a silent period must not close the events
	// channel while the watchdog is emitting an idle event.
	s := New(Config{Command: "true", Silence: 4 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	s.appendTail([]byte("name: "))
	s.lastOutput = time.Now().Add(-time.Second)
	s.mu.Unlock()

	go s.watchdog(ctx)

	consumed := make(chan Event, 64)
	go func() {
		for evt := range s.events {
			consumed <- evt
		}
		close(consumed)
	}()

	// Keep the watchdog firing while the exit sequence runs.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				s.mu.Lock()
				s.lastOutput = time.Now().Add(-time.Second)
				s.mu.Unlock()
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)

	// Same sequence readLoop runs when the PTY read fails after child exit.
	close(s.done)
	<-s.watchdogDone
	s.emit(Event{Kind: EventExit})
	close(s.events)
	close(stop)

	sawExit := false
	for evt := range consumed {
		if evt.Kind == EventExit {
			sawExit = true
		}
	}
	if !sawExit {
		t.Error("exit event not delivered")
	}
}

func TestClearTail(t *testing.T) {
	s := New(Config{Command: "true"})
	s.mu.Lock()
	s.appendTail([]byte("Overwrite? (y/n) "))
	s.mu.Unlock()
	s.ClearTail()
	if got := s.Tail(); len(got) != 0 {
		t.Errorf("tail not cleared: %q", got)
	}
}
