package resilience

import (
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/config"
)

type costSample struct {
	at  time.Time
	usd float64
}

// CostTracker accounts per-agent model spend over a rolling window and
// answers admission: an execution is denied when the spend so far plus the
// running average of one more invocation would cross the agent's hourly
// ceiling. Using the running average keeps the limit conservative without
// knowing the next invocation's cost up front.
type CostTracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples map[string][]costSample
	now     func() time.Time
}

// NewCostTracker builds a tracker over the configured rolling window.
func NewCostTracker(cfg *config.ResilienceConfig) *CostTracker {
	return &CostTracker{
		window:  cfg.CostWindow.Std(),
		samples: make(map[string][]costSample),
		now:     time.Now,
	}
}

// Admit reports whether another invocation fits under the agent's ceiling.
// limitUSD <= 0 means the agent is uncapped.
func (c *CostTracker) Admit(agentID string, limitUSD float64) bool {
	if limitUSD <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.prune(agentID)
	if len(kept) == 0 {
		return true
	}
	var spent float64
	for _, s := range kept {
		spent += s.usd
	}
	avg := spent / float64(len(kept))
	return spent+avg <= limitUSD
}

// Record adds one invocation's cost to the agent's window.
func (c *CostTracker) Record(agentID string, usd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[agentID] = append(c.prune(agentID), costSample{at: c.now(), usd: usd})
}

// Spent returns the agent's spend over the current window.
func (c *CostTracker) Spent(agentID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var spent float64
	for _, s := range c.prune(agentID) {
		spent += s.usd
	}
	return spent
}

// Forget drops the agent's spend history.
func (c *CostTracker) Forget(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.samples, agentID)
}

// prune discards samples older than the window; callers hold the lock.
func (c *CostTracker) prune(agentID string) []costSample {
	cutoff := c.now().Add(-c.window)
	samples := c.samples[agentID]
	for len(samples) > 0 && samples[0].at.Before(cutoff) {
		samples = samples[1:]
	}
	c.samples[agentID] = samples
	return samples
}
