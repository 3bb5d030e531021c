package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked identities so a rotating
	// attacker cannot exhaust memory.
	maxTrackedKeys = 4096

	// replyWindow is the sliding window for inbound reply counting.
	replyWindow = 60 * time.Second

	// replyMaxHits is the max replies per identity within a window.
	replyMaxHits = 30
)

type replyRateEntry struct {
	windowStart time.Time
	count       int
}

// ReplyRateLimiter bounds how fast a single identity can push replies at the
// gate. Safe for concurrent use.
type ReplyRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*replyRateEntry
}

// NewReplyRateLimiter creates a bounded per-identity limiter.
func NewReplyRateLimiter() *ReplyRateLimiter {
	return &ReplyRateLimiter{entries: make(map[string]*replyRateEntry)}
}

// Allow reports whether the identity is within its reply budget. Stale
// entries are pruned when the tracked-key cap is approached.
func (r *ReplyRateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= replyWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[identity]
	if !ok || now.Sub(e.windowStart) >= replyWindow {
		r.entries[identity] = &replyRateEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= replyMaxHits
}
