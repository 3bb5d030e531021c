package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves the current policy and hot-reloads it when the file changes.
// A reload that fails validation keeps the previous policy and logs the error.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	current *Policy
}

// NewWatcher loads the initial policy; a broken file at startup is fatal.
func NewWatcher(path string) (*Watcher, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, current: p}, nil
}

// Current returns the active policy. Never nil after NewWatcher succeeds.
func (w *Watcher) Current() *Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the policy file until ctx is done. Editors replace files rather
// than writing in place, so the watch is on the directory and filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire several events per save; reload once after quiet.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		slog.Error("policy reload failed, keeping previous policy", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = p
	w.mu.Unlock()
	slog.Info("policy reloaded", "path", w.path, "version", p.Version, "rules", len(p.Rules))
}
