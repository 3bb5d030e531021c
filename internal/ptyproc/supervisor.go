// Package ptyproc owns one child process attached to a pseudo-terminal.
// The child sees a real TTY so it behaves exactly as it would under a human:
// colour output, readline editing, interactive menus. The supervisor streams
// output events, injects reply bytes into the child's stdin, and keeps only a
// bounded rolling tail of output in memory.
package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrChildGone is returned by Inject when the child has already exited.
var ErrChildGone = errors.New("child process has exited")

const (
	// TailSize is the exact size of the rolling output buffer. This is the
	// only memory held on behalf of child output.
	TailSize = 4096

	// DefaultSilence is the idle watchdog threshold.
	DefaultSilence = 2 * time.Second

	// DefaultEchoSuppress is how long output after an inject is flagged
	// echo-suspect.
	DefaultEchoSuppress = 500 * time.Millisecond

	readChunk = 4096
)

// EventKind discriminates supervisor events.
type EventKind int

const (
	EventOutput EventKind = iota // Chunk holds new bytes
	EventIdle                    // silence threshold elapsed with a non-empty tail
	EventExit                    // child exited; Err holds the wait error if any
)

// Event is one observation from the supervised child.
type Event struct {
	Kind        EventKind
	Chunk       []byte
	EchoSuspect bool // observed inside the post-inject suppression window
	Drained     bool // the read returned less than a full chunk: PTY likely blocked on input
	Err         error
}

// Config controls one supervisor.
type Config struct {
	Command      string
	Args         []string
	Env          []string
	Silence      time.Duration // idle watchdog threshold (default 2s)
	EchoSuppress time.Duration // echo-suppression window (default 500ms)
	KillGrace    time.Duration // SIGTERM → SIGKILL grace (default 5s)
}

func (c *Config) defaults() {
	if c.Silence <= 0 {
		c.Silence = DefaultSilence
	}
	if c.EchoSuppress <= 0 {
		c.EchoSuppress = DefaultEchoSuppress
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
}

// Supervisor runs one child on a PTY. One reader goroutine and one watchdog
// goroutine per instance; Inject is safe to call from any goroutine.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	ptmx       io.ReadWriteCloser
	cmd        *exec.Cmd
	tail       []byte
	lastOutput time.Time
	echoUntil  time.Time
	closed     bool

	events       chan Event
	done         chan struct{}
	watchdogDone chan struct{}
}

// New prepares a supervisor; Start actually spawns the child.
func New(cfg Config) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:          cfg,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		watchdogDone: make(chan struct{}),
	}
}

// Events is the stream of output/idle/exit observations. Closed after EventExit.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Start allocates the PTY and spawns the child. Allocation or spawn failure is
// fatal for the session.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return fmt.Errorf("allocate pty for %s: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	s.lastOutput = time.Now()
	s.mu.Unlock()

	go s.readLoop()
	go s.watchdog(ctx)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	slog.Info("child started", "command", s.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// readLoop pumps output bytes from the PTY into events and the rolling tail.
func (s *Supervisor) readLoop() {
	buf := make([]byte, readChunk)
	var transientErrs int

	for {
		n, err := s.readPtmx(buf)
		if n > 0 {
			transientErrs = 0
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.appendTail(chunk)
			s.lastOutput = time.Now()
			echo := time.Now().Before(s.echoUntil)
			s.mu.Unlock()

			s.emit(Event{
				Kind:        EventOutput,
				Chunk:       chunk,
				EchoSuspect: echo,
				Drained:     n < readChunk,
			})
		}
		if err != nil {
			// A PTY read fails with EIO when the child exits; anything else
			// transient is retried a few times before giving up.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				transientErrs++
				if transientErrs <= 3 {
					time.Sleep(50 * time.Millisecond)
					continue
				}
			}
			break
		}
	}

	waitErr := s.reap()
	close(s.done)
	// The watchdog may be mid-emit; events must not close under it.
	<-s.watchdogDone
	s.emit(Event{Kind: EventExit, Err: waitErr})
	close(s.events)
}

func (s *Supervisor) readPtmx(buf []byte) (int, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return 0, io.EOF
	}
	return ptmx.Read(buf)
}

// watchdog fires an idle event when no output has been seen for the silence
// threshold and the tail is non-empty. It keeps firing once per silent period,
// not once per tick.
func (s *Supervisor) watchdog(ctx context.Context) {
	defer close(s.watchdogDone)
	tick := time.NewTicker(s.cfg.Silence / 4)
	defer tick.Stop()

	var firedFor time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-tick.C:
			s.mu.Lock()
			last := s.lastOutput
			quiet := time.Since(last) >= s.cfg.Silence && len(s.tail) > 0
			s.mu.Unlock()

			if quiet && !last.Equal(firedFor) {
				firedFor = last
				s.emit(Event{Kind: EventIdle})
			}
		}
	}
}

// appendTail keeps the rolling buffer at exactly TailSize bytes, trimming the
// head as new bytes arrive. Callers hold s.mu.
func (s *Supervisor) appendTail(chunk []byte) {
	if len(chunk) >= TailSize {
		s.tail = append(s.tail[:0], chunk[len(chunk)-TailSize:]...)
		return
	}
	s.tail = append(s.tail, chunk...)
	if overflow := len(s.tail) - TailSize; overflow > 0 {
		s.tail = append(s.tail[:0], s.tail[overflow:]...)
	}
}

// Tail returns a copy of the rolling output buffer.
func (s *Supervisor) Tail() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.tail))
	copy(out, s.tail)
	return out
}

// ClearTail empties the rolling buffer. The router calls this after a
// successful injection so stale prompt text cannot re-trigger detection.
func (s *Supervisor) ClearTail() {
	s.mu.Lock()
	s.tail = s.tail[:0]
	s.mu.Unlock()
}

// Inject writes reply bytes to the child's stdin and opens the
// echo-suppression window.
func (s *Supervisor) Inject(b []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	alive := !s.closed && s.cmd != nil && s.cmd.ProcessState == nil
	s.mu.Unlock()

	if ptmx == nil || !alive {
		return ErrChildGone
	}
	if _, err := ptmx.Write(b); err != nil {
		return fmt.Errorf("inject %d bytes: %w", len(b), errors.Join(ErrChildGone, err))
	}

	s.mu.Lock()
	s.echoUntil = time.Now().Add(s.cfg.EchoSuppress)
	s.mu.Unlock()
	return nil
}

// EchoSuspect reports whether we are inside the post-inject suppression window.
func (s *Supervisor) EchoSuspect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.echoUntil)
}

// Alive reports whether the child process is still running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && s.cmd.ProcessState == nil && !s.closed
}

// Close terminates the child (SIGTERM, then SIGKILL after the grace period)
// and releases the PTY. Safe to call more than once.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cmd := s.cmd
	ptmx := s.ptmx
	grace := s.cfg.KillGrace
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil && cmd.ProcessState == nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.done:
		case <-time.After(grace):
			slog.Warn("child ignored SIGTERM, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
		}
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
}

func (s *Supervisor) reap() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Wait()
}

// emit never blocks the reader: if the consumer lags, output events are
// dropped (the rolling tail still holds the latest bytes).
func (s *Supervisor) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
		if evt.Kind != EventOutput {
			s.events <- evt
		}
	}
}
