// Package trace records one JSON line per policy decision so an operator can
// answer "why did the supervisor do that" after the fact. The file is
// append-only and rotated by size.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/attendhq/attend/internal/policy"
)

const (
	// maxFileBytes triggers rotation; archives keeps that many rotated files.
	maxFileBytes = 10 << 20
	archives     = 3
)

// Entry is one decision record.
type Entry struct {
	Timestamp   time.Time               `json:"timestamp"`
	PromptID    string                  `json:"prompt_id"`
	SessionID   string                  `json:"session_id"`
	Kind        string                  `json:"prompt_kind"`
	Confidence  string                  `json:"confidence"`
	RuleID      string                  `json:"rule_id,omitempty"`
	Action      string                  `json:"action"`
	Reason      string                  `json:"reason"`
	Evaluations []policy.RuleEvaluation `json:"rule_evaluations"`
}

// Writer appends entries to a decisions file. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	written int64
}

// NewWriter opens (or creates) the decisions file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open decision trace %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f, written: st.Size()}, nil
}

// Record resolves the decision into an entry and appends it.
func (w *Writer) Record(promptID, sessionID string, in policy.Input, d policy.Decision) error {
	return w.Append(Entry{
		Timestamp:   time.Now().UTC(),
		PromptID:    promptID,
		SessionID:   sessionID,
		Kind:        string(in.Kind),
		Confidence:  string(in.Confidence),
		RuleID:      d.RuleID,
		Action:      string(d.Action),
		Reason:      d.Reason,
		Evaluations: d.Evaluations,
	})
}

// Append writes one entry as a single JSON line.
func (w *Writer) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(line)) > maxFileBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(line)
	w.written += int64(n)
	return err
}

// rotateLocked shifts decisions.jsonl -> .1 -> .2 -> .3, dropping the oldest.
func (w *Writer) rotateLocked() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	os.Remove(fmt.Sprintf("%s.%d", w.path, archives))
	for i := archives - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1))
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	w.f = f
	w.written = 0
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Tail returns the newest n entries from the current file, oldest first.
// Rotated archives are not consulted.
func Tail(path string, n int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			// A torn final line from a crash mid-write is tolerated.
			break
		}
		entries = append(entries, e)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
