package resilience

import (
	"sync"
)

// Quarantine tracks consecutive dead-lettered items per agent and trips once
// the streak reaches the threshold. A quarantined agent is excluded from
// fan-out and its stream is not consumed until an operator releases it.
type Quarantine struct {
	mu        sync.Mutex
	threshold int
	streak    map[string]int
	active    map[string]bool
}

// NewQuarantine builds a tracker with the configured streak threshold.
func NewQuarantine(threshold int) *Quarantine {
	return &Quarantine{
		threshold: threshold,
		streak:    make(map[string]int),
		active:    make(map[string]bool),
	}
}

// RecordDeadLetter counts one dead-lettered item and returns true when this
// item tripped the quarantine (the caller logs the alert exactly once).
func (q *Quarantine) RecordDeadLetter(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streak[agentID]++
	if q.streak[agentID] >= q.threshold && !q.active[agentID] {
		q.active[agentID] = true
		return true
	}
	return false
}

// RecordTerminal resets the streak on any non-dead-letter terminal outcome.
// An already-active quarantine stays active; only Release lifts it.
func (q *Quarantine) RecordTerminal(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streak[agentID] = 0
}

// Active reports whether the agent is quarantined.
func (q *Quarantine) Active(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[agentID]
}

// ActiveAgents lists currently quarantined agents.
func (q *Quarantine) ActiveAgents() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.active))
	for id := range q.active {
		out = append(out, id)
	}
	return out
}

// Release lifts the quarantine and clears the streak. Returns false when the
// agent was not quarantined.
func (q *Quarantine) Release(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active[agentID] {
		return false
	}
	delete(q.active, agentID)
	q.streak[agentID] = 0
	return true
}

// Forget drops all state for a deleted agent.
func (q *Quarantine) Forget(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, agentID)
	delete(q.streak, agentID)
}
