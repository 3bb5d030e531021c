package policy

import (
	"sync"

	"golang.org/x/time/rate"
)

// Buckets tracks per-(rule, identity, channel) token buckets for rate-limited
// rules. Safe for concurrent use.
type Buckets struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewBuckets creates an empty bucket set.
func NewBuckets() *Buckets {
	return &Buckets{buckets: make(map[string]*rate.Limiter)}
}

// Take implements BucketFn: it consumes one token for the rule's budget keyed
// by (rule, identity, channel) and reports whether capacity remained.
func (b *Buckets) Take(r *Rule, in Input) bool {
	budget := DefaultRateBudget
	if r.RateBudget != nil {
		budget = *r.RateBudget
	}
	if budget.PerMinute <= 0 {
		budget.PerMinute = DefaultRateBudget.PerMinute
	}
	if budget.Burst <= 0 {
		budget.Burst = DefaultRateBudget.Burst
	}

	key := r.ID + "\x00" + in.Identity + "\x00" + in.Channel

	b.mu.Lock()
	lim, ok := b.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(budget.PerMinute)/60.0), budget.Burst)
		b.buckets[key] = lim
	}
	b.mu.Unlock()

	return lim.Allow()
}
