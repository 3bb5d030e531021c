package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/pkg/protocol"
)

func TestRecordAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	in := policy.Input{Kind: protocol.KindYesNo, Confidence: protocol.ConfidenceHigh, Excerpt: "Proceed? (y/n)"}
	d := policy.Decision{
		Action: policy.ActionAutoReply,
		Value:  "y",
		RuleID: "approve-reads",
		Reason: "rule approve-reads matched",
		Evaluations: []policy.RuleEvaluation{
			{RuleID: "approve-reads", Matched: true},
		},
	}
	for i := 0; i < 3; i++ {
		if err := w.Record("p1", "s1", in, d); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := Tail(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("tail = %d entries, want 2", len(entries))
	}
	e := entries[0]
	if e.PromptID != "p1" || e.Action != "auto_reply" || e.RuleID != "approve-reads" {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Evaluations) != 1 || !e.Evaluations[0].Matched {
		t.Errorf("evaluations not round-tripped: %+v", e.Evaluations)
	}
}

func TestTailToleratesTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(Entry{Timestamp: time.Now(), PromptID: "ok", Action: "deny"}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"timestamp":"2026-01-02T03:04:`)
	f.Close()

	entries, err := Tail(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].PromptID != "ok" {
		t.Fatalf("entries = %+v, want the one intact line", entries)
	}
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Force rotation without writing 10MB of real decisions.
	w.written = maxFileBytes - 10
	big := Entry{PromptID: "rotor", Reason: strings.Repeat("x", 64)}
	if err := w.Append(big); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated archive missing: %v", err)
	}
	entries, err := Tail(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].PromptID != "rotor" {
		t.Fatalf("fresh file entries = %+v", entries)
	}
}

func TestTailMissingFile(t *testing.T) {
	entries, err := Tail(filepath.Join(t.TempDir(), "nope.jsonl"), 5)
	if err != nil || entries != nil {
		t.Fatalf("got %v, %v; want nil, nil", entries, err)
	}
}
