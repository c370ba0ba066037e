package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

type rateEntry struct {
	limiter   *rate.Limiter
	perMinute int
}

// RateLimiters holds one token bucket per agent. Admission is Allow-only:
// a drained bucket defers the item back to the queue instead of blocking a
// worker on Wait.
type RateLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rateEntry
}

// NewRateLimiters builds an empty limiter set.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{buckets: make(map[string]*rateEntry)}
}

// Allow consumes one token for the agent. perMinute <= 0 means the agent is
// unlimited. The bucket is rebuilt when the agent's limit changes, which
// forfeits accumulated tokens; acceptable for a revision bump.
func (r *RateLimiters) Allow(agentID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	r.mu.Lock()
	entry, ok := r.buckets[agentID]
	if !ok || entry.perMinute != perMinute {
		entry = &rateEntry{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		r.buckets[agentID] = entry
	}
	r.mu.Unlock()
	return entry.limiter.Allow()
}

// Forget drops the agent's bucket.
func (r *RateLimiters) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, agentID)
}
