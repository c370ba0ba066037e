// Package resilience holds the admission machinery that stands between the
// queue and the model providers: circuit breakers, rate and cost limiters,
// quarantine, and latency SLO tracking. Components here are pure state
// machines; callers publish their state to metrics.
package resilience

import (
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/config"
)

// BreakerState enumerates the circuit states. The numeric values are the
// gauge values exported to Prometheus.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateHalfOpen BreakerState = 1
	StateOpen     BreakerState = 2
)

// String implements fmt.Stringer for log output.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// BreakerKey identifies one circuit: failures of one model must not block an
// agent's traffic to a different one.
type BreakerKey struct {
	AgentID  string
	Provider string
	Model    string
}

// breaker is a single circuit over a rolling outcome window.
type breaker struct {
	window   []bool // true = failure
	next     int
	filled   bool
	state    BreakerState
	openAt   time.Time
	cooldown time.Duration
	probing  bool
}

// BreakerSet manages circuits per (agent, provider, model).
type BreakerSet struct {
	mu       sync.Mutex
	cfg      *config.ResilienceConfig
	circuits map[BreakerKey]*breaker
	now      func() time.Time
}

// NewBreakerSet builds an empty set; circuits materialize closed on first use.
func NewBreakerSet(cfg *config.ResilienceConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		circuits: make(map[BreakerKey]*breaker),
		now:      time.Now,
	}
}

func (s *BreakerSet) circuit(key BreakerKey) *breaker {
	b, ok := s.circuits[key]
	if !ok {
		b = &breaker{
			window:   make([]bool, s.cfg.BreakerWindow),
			cooldown: s.cfg.BreakerOpenFor.Std(),
		}
		s.circuits[key] = b
	}
	return b
}

// Allow reports whether an invocation may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one probe;
// further calls are denied until the probe's outcome is recorded.
func (s *BreakerSet) Allow(key BreakerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.circuit(key)
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if s.now().Sub(b.openAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record feeds one invocation outcome into the circuit and returns the
// resulting state. A half-open probe success closes the circuit and clears
// the window; a probe failure reopens it with a doubled cooldown.
func (s *BreakerSet) Record(key BreakerKey, success bool) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.circuit(key)
	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			s.reset(b)
			return b.state
		}
		b.cooldown = min(b.cooldown*2, s.cfg.BreakerMaxOpenFor.Std())
		b.state = StateOpen
		b.openAt = s.now()
		return b.state
	}
	if b.state == StateOpen {
		// Late outcome from an invocation admitted before the trip; the
		// window is already cleared, nothing to account.
		return b.state
	}

	b.window[b.next] = !success
	b.next++
	if b.next == len(b.window) {
		b.next = 0
		b.filled = true
	}

	samples, failures := s.tally(b)
	if samples >= s.cfg.BreakerMinSamples &&
		float64(failures)/float64(samples) > s.cfg.BreakerErrorThreshold {
		b.state = StateOpen
		b.openAt = s.now()
		b.cooldown = s.cfg.BreakerOpenFor.Std()
	}
	return b.state
}

// State returns the current state without mutating anything.
func (s *BreakerSet) State(key BreakerKey) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.circuits[key]; ok {
		return b.state
	}
	return StateClosed
}

// Forget drops every circuit belonging to the agent.
func (s *BreakerSet) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.circuits {
		if key.AgentID == agentID {
			delete(s.circuits, key)
		}
	}
}

func (s *BreakerSet) tally(b *breaker) (samples, failures int) {
	samples = b.next
	if b.filled {
		samples = len(b.window)
	}
	for i := 0; i < samples; i++ {
		if b.window[i] {
			failures++
		}
	}
	return samples, failures
}

func (s *BreakerSet) reset(b *breaker) {
	for i := range b.window {
		b.window[i] = false
	}
	b.next = 0
	b.filled = false
	b.state = StateClosed
	b.cooldown = s.cfg.BreakerOpenFor.Std()
	b.probing = false
}
