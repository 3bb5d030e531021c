package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/pkg/protocol"
)

const overridePolicy = `
policy_version: 1
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
`

func TestModeOverrideWinsOverPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeFile(t, path, overridePolicy)

	w, err := policy.NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	if w.Current().Mode() != protocol.AutonomyFull {
		t.Fatalf("file mode = %s", w.Current().Mode())
	}

	ov := modeOverride{inner: w, mode: protocol.AutonomyOff}
	if got := ov.Current().Mode(); got != protocol.AutonomyOff {
		t.Errorf("override mode = %s, want OFF", got)
	}
	// The underlying policy is untouched.
	if w.Current().Mode() != protocol.AutonomyFull {
		t.Error("override mutated the watched policy")
	}
}

func TestPreferredChannel(t *testing.T) {
	cfg := config.Default()
	d := New(cfg, "test")

	cfg.Channels.Mode = "telegram"
	if got := d.preferredChannel(); got != "telegram" {
		t.Errorf("telegram mode = %q", got)
	}
	cfg.Channels.Mode = "multi"
	if got := d.preferredChannel(); got != "" {
		t.Errorf("multi mode = %q, want broadcast", got)
	}
}

func TestStatusSummary(t *testing.T) {
	st := openStore(t)
	now := time.Now().UTC()
	sess := &protocol.Session{
		ID: "s1", Tool: "claude", StartedAt: now,
		Status: protocol.SessionActive, AutonomyMode: protocol.AutonomyFull,
		ConvState: protocol.ConvRunning,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatal(err)
	}

	got := statusSummary(st, sess)
	if !strings.Contains(got, "claude") || !strings.Contains(got, "running") {
		t.Errorf("summary = %q", got)
	}

	if err := st.SetPaused(true); err != nil {
		t.Fatal(err)
	}
	if got := statusSummary(st, sess); !strings.Contains(got, "paused") {
		t.Errorf("paused summary = %q", got)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(false); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
