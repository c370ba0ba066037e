package watcher

import (
	"sync"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// SeqTracker assigns a sequence number to every emitted event and advances
// the durable resume token to the highest contiguously acknowledged one.
// Acks arrive out of order (the dispatcher finishes fan-outs independently),
// so a gap holds the durable position back until it closes; a crash then
// replays from the gap instead of losing it.
type SeqTracker struct {
	mu           sync.Mutex
	last         uint64
	ackedThrough uint64
	tokens       map[uint64]models.ResumeTokenData
	acked        map[uint64]struct{}
	durable      models.ResumeTokenData
	dirty        bool
}

// NewSeqTracker starts a tracker at the given durable position (nil when the
// watcher has no history).
func NewSeqTracker(durable models.ResumeTokenData) *SeqTracker {
	return &SeqTracker{
		tokens:  make(map[uint64]models.ResumeTokenData),
		acked:   make(map[uint64]struct{}),
		durable: durable,
	}
}

// Issue registers an emitted event's token and returns its sequence number.
// Sequences start at 1 and never repeat within a process.
func (t *SeqTracker) Issue(token models.ResumeTokenData) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last++
	t.tokens[t.last] = token
	return t.last
}

// Ack marks a sequence processed and advances the durable token across every
// newly contiguous acknowledgement. Duplicate and stale acks are no-ops.
func (t *SeqTracker) Ack(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.ackedThrough || seq > t.last {
		return
	}
	t.acked[seq] = struct{}{}
	for {
		next := t.ackedThrough + 1
		if _, ok := t.acked[next]; !ok {
			return
		}
		t.ackedThrough = next
		t.durable = t.tokens[next]
		t.dirty = true
		delete(t.acked, next)
		delete(t.tokens, next)
	}
}

// Durable returns the current durable token and whether it changed since the
// last flush.
func (t *SeqTracker) Durable() (models.ResumeTokenData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durable, t.dirty
}

// MarkFlushed clears the dirty flag after a successful persist.
func (t *SeqTracker) MarkFlushed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = false
}

// Reset abandons every outstanding sequence after a feed reset. Acks for
// pre-reset events are absorbed silently; the durable position only advances
// again from post-reset tokens.
func (t *SeqTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackedThrough = t.last
	t.tokens = make(map[uint64]models.ResumeTokenData)
	t.acked = make(map[uint64]struct{})
	t.durable = nil
	t.dirty = false
}
