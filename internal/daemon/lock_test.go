package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attend.lock")

	l1, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := AcquireLock(path); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	} else if !strings.Contains(err.Error(), "pid") {
		t.Errorf("error lacks pid diagnostics: %v", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
}

func TestLockHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attend.lock")

	pid, held, err := LockHolder(path)
	if err != nil || held || pid != 0 {
		t.Fatalf("missing file: pid=%d held=%v err=%v", pid, held, err)
	}

	l, err := AcquireLock(path)
	if err != nil {
		t.Fatal(err)
	}
	pid, held, err = LockHolder(path)
	if err != nil {
		t.Fatal(err)
	}
	if !held || pid != os.Getpid() {
		t.Errorf("live lock: pid=%d held=%v, want pid=%d held=true", pid, held, os.Getpid())
	}
	l.Release()
}

func TestReapStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attend.lock")

	// Simulate a crash: lock file left behind, no flock held.
	if err := os.WriteFile(path, []byte("99999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	removed, err := ReapStaleLock(path)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !removed {
		t.Error("stale lock not removed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present")
	}

	// A live lock must not be reaped.
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if _, err := ReapStaleLock(path); err == nil {
		t.Error("live lock reaped")
	}
}
