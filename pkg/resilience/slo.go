package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/config"
)

type latencySample struct {
	at      time.Time
	latency time.Duration
}

type sloState struct {
	samples   []latencySample
	violating bool
}

// SLOTracker watches per-agent p95 end-to-end latency over a rolling window.
// A violation counts once per sustained episode: Observe returns true when
// the p95 first crosses the target, and not again until it recovers.
type SLOTracker struct {
	mu     sync.Mutex
	target time.Duration
	window time.Duration
	agents map[string]*sloState
	now    func() time.Time
}

// minSLOSamples guards against declaring an episode off one or two outliers.
const minSLOSamples = 5

// NewSLOTracker builds a tracker with the configured target and window.
func NewSLOTracker(cfg *config.ResilienceConfig) *SLOTracker {
	return &SLOTracker{
		target: cfg.SLOTarget.Std(),
		window: cfg.SLOWindow.Std(),
		agents: make(map[string]*sloState),
		now:    time.Now,
	}
}

// Observe records one terminal execution's end-to-end latency and reports
// whether a new violation episode just started.
func (t *SLOTracker) Observe(agentID string, latency time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.agents[agentID]
	if !ok {
		st = &sloState{}
		t.agents[agentID] = st
	}

	cutoff := t.now().Add(-t.window)
	for len(st.samples) > 0 && st.samples[0].at.Before(cutoff) {
		st.samples = st.samples[1:]
	}
	st.samples = append(st.samples, latencySample{at: t.now(), latency: latency})

	if len(st.samples) < minSLOSamples {
		return false
	}
	p95 := percentile95(st.samples)
	if p95 > t.target {
		if st.violating {
			return false
		}
		st.violating = true
		return true
	}
	st.violating = false
	return false
}

// P95 returns the agent's current windowed p95, or zero with no samples.
func (t *SLOTracker) P95(agentID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[agentID]
	if !ok || len(st.samples) == 0 {
		return 0
	}
	return percentile95(st.samples)
}

// Forget drops the agent's latency history.
func (t *SLOTracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, agentID)
}

func percentile95(samples []latencySample) time.Duration {
	sorted := make([]time.Duration, len(samples))
	for i, s := range samples {
		sorted[i] = s.latency
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	// nearest-rank
	rank := (len(sorted)*95 + 99) / 100
	return sorted[rank-1]
}
