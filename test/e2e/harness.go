// Package e2e exercises the full pipeline in process: change events flow
// through the dispatcher into an in-memory queue, and the worker executor
// drives them to terminal dispositions against fake model and store backends.
package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/dispatcher"
	"github.com/mongoclaw/mongoclaw/pkg/llm"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/resilience"
	"github.com/mongoclaw/mongoclaw/pkg/worker"
	"github.com/mongoclaw/mongoclaw/pkg/writer"
)

type staticLister struct {
	mu     sync.Mutex
	agents []*models.Agent
}

func (l *staticLister) List(_ context.Context, enabledOnly bool) ([]*models.Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Agent, 0, len(l.agents))
	for _, a := range l.agents {
		if enabledOnly && !a.Enabled {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type queueEntry struct {
	id   string
	item *models.WorkItem
}

// memQueue is an in-memory stand-in for the Redis stream client, shared by
// the dispatcher (produce) and the executor (consume/ack/nack/DLQ/locks).
// Scheduled delays are ignored so retries drain immediately.
type memQueue struct {
	mu      sync.Mutex
	streams map[string][]queueEntry
	dlq     map[string][]queue.DLQEntry
	acked   map[string]int
	locks   map[string]string
	nextID  int
}

func newMemQueue() *memQueue {
	return &memQueue{
		streams: map[string][]queueEntry{},
		dlq:     map[string][]queue.DLQEntry{},
		acked:   map[string]int{},
		locks:   map[string]string{},
	}
}

func (q *memQueue) Produce(_ context.Context, agentID string, item *models.WorkItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := fmt.Sprintf("%d-0", q.nextID)
	copied := *item
	q.streams[agentID] = append(q.streams[agentID], queueEntry{id: id, item: &copied})
	return id, nil
}

func (q *memQueue) EnsureGroup(context.Context, string) error { return nil }

func (q *memQueue) Consume(_ context.Context, agentID, _ string, count int64) ([]queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.streams[agentID]
	if len(entries) == 0 {
		return nil, queue.ErrNoItemsAvailable
	}
	n := int(count)
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]queue.Delivery, 0, n)
	for _, e := range entries[:n] {
		out = append(out, queue.Delivery{EntryID: e.id, Item: e.item})
	}
	q.streams[agentID] = entries[n:]
	return out, nil
}

func (q *memQueue) Ack(_ context.Context, agentID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[agentID]++
	return nil
}

func (q *memQueue) Nack(ctx context.Context, agentID, _ string, item *models.WorkItem, delay time.Duration) error {
	item.ScheduledAt = time.Now().UTC().Add(delay)
	_, err := q.Produce(ctx, agentID, item)
	return err
}

func (q *memQueue) PushDLQ(_ context.Context, agentID, _ string, item *models.WorkItem, tag, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq[agentID] = append(q.dlq[agentID], queue.DLQEntry{
		Item: item, ErrorTag: tag, Error: msg, DeadAt: time.Now().UTC(),
	})
	return nil
}

func (q *memQueue) ClaimPending(context.Context, string, string, time.Duration, int64) ([]queue.Delivery, error) {
	return nil, nil
}

func (q *memQueue) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, held := q.locks[key]; held {
		return false, nil
	}
	q.locks[key] = value
	return true, nil
}

func (q *memQueue) Del(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locks, key)
	return nil
}

func (q *memQueue) depth(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.streams[agentID])
}

func (q *memQueue) dlqEntries(agentID string) []queue.DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.DLQEntry(nil), q.dlq[agentID]...)
}

// memLedger collects every ledger write; Finalize replaces by execution id
// the way the Mongo store does.
type memLedger struct {
	mu    sync.Mutex
	byID  map[string]*models.Execution
	order []string
}

func newMemLedger() *memLedger { return &memLedger{byID: map[string]*models.Execution{}} }

func (l *memLedger) store(exec *models.Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *exec
	if _, seen := l.byID[exec.ID]; !seen {
		l.order = append(l.order, exec.ID)
	}
	l.byID[exec.ID] = &copied
}

func (l *memLedger) Record(_ context.Context, exec *models.Execution) error {
	l.store(exec)
	return nil
}

func (l *memLedger) RecordRunning(_ context.Context, exec *models.Execution) error {
	l.store(exec)
	return nil
}

func (l *memLedger) Finalize(_ context.Context, exec *models.Execution) error {
	l.store(exec)
	return nil
}

func (l *memLedger) all() []*models.Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Execution, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

func (l *memLedger) terminal(status models.ExecutionStatus) []*models.Execution {
	var out []*models.Execution
	for _, e := range l.all() {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

type memKeys struct {
	mu      sync.Mutex
	records map[string]*writer.KeyRecord
}

func newMemKeys() *memKeys { return &memKeys{records: map[string]*writer.KeyRecord{}} }

func (k *memKeys) Check(_ context.Context, key string) (*writer.KeyRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.records[key], nil
}

func (k *memKeys) Record(_ context.Context, key, executionID, fingerprint string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.records[key] = &writer.KeyRecord{Key: key, ExecutionID: executionID, ResultFingerprint: fingerprint}
	return nil
}

// memEngine enforces write-once per (document, idempotency key), mirroring
// the conditional-update contract of the real write engine.
type memEngine struct {
	mu      sync.Mutex
	applied map[string]int // "docID|key" → writes
	values  map[string]any // docID → last written value
}

func newMemEngine() *memEngine {
	return &memEngine{applied: map[string]int{}, values: map[string]any{}}
}

func (e *memEngine) Apply(_ context.Context, req *writer.Request) (*writer.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	docID := models.StringifyDocumentID(req.DocumentID)
	slot := docID + "|" + req.IdempotencyKey
	if e.applied[slot] > 0 {
		return &writer.Result{Written: false, Conflict: true}, nil
	}
	e.applied[slot]++
	e.values[docID] = req.Value
	return &writer.Result{Written: true}, nil
}

func (e *memEngine) writes(docID, key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied[docID+"|"+key]
}

func (e *memEngine) value(docID string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[docID]
}

// scriptedModel pops one scripted outcome per invocation, then falls back to
// the default response.
type scriptedModel struct {
	mu       sync.Mutex
	script   []func() (*llm.Response, error)
	fallback func() (*llm.Response, error)
	calls    int
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		fallback: func() (*llm.Response, error) {
			return &llm.Response{Text: "billing", TokensIn: 10, TokensOut: 5, CostUSD: 0.001}, nil
		},
	}
}

func (m *scriptedModel) push(fn func() (*llm.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, fn)
}

func (m *scriptedModel) Invoke(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls++
	var fn func() (*llm.Response, error)
	if len(m.script) > 0 {
		fn = m.script[0]
		m.script = m.script[1:]
	} else {
		fn = m.fallback
	}
	m.mu.Unlock()
	return fn()
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type captureAcker struct {
	mu   sync.Mutex
	acks []models.EventAck
}

func (a *captureAcker) Ack(ack models.EventAck) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ack)
}

func (a *captureAcker) seqs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, len(a.acks))
	for i, ack := range a.acks {
		out[i] = ack.Seq
	}
	return out
}

// pipeline wires dispatcher and executor over the shared in-memory backends.
type pipeline struct {
	lister     *staticLister
	cache      *agents.Cache
	queue      *memQueue
	ledger     *memLedger
	keys       *memKeys
	engine     *memEngine
	model      *scriptedModel
	acker      *captureAcker
	dispatcher *dispatcher.Dispatcher
	executor   *worker.Executor
	quarantine *resilience.Quarantine
}

func newPipeline(t *testing.T, agentDefs ...*models.Agent) *pipeline {
	t.Helper()
	p := &pipeline{
		lister: &staticLister{agents: agentDefs},
		queue:  newMemQueue(),
		ledger: newMemLedger(),
		keys:   newMemKeys(),
		engine: newMemEngine(),
		model:  newScriptedModel(),
		acker:  &captureAcker{},
	}
	p.cache = agents.NewCache(p.lister)
	require.NoError(t, p.cache.Refresh(context.Background()))

	rescfg := config.DefaultResilienceConfig()
	p.quarantine = resilience.NewQuarantine(rescfg.QuarantineThreshold)
	p.dispatcher = dispatcher.New(config.DefaultDispatcherConfig(), p.cache, p.queue,
		p.acker, p.quarantine, p.ledger, nil)
	p.executor = worker.NewExecutor(worker.Deps{
		Cache:      p.cache,
		Queue:      p.queue,
		Ledger:     p.ledger,
		Keys:       p.keys,
		Engine:     p.engine,
		Models:     p.model,
		Breakers:   resilience.NewBreakerSet(rescfg),
		Rates:      resilience.NewRateLimiters(),
		Costs:      resilience.NewCostTracker(rescfg),
		Quarantine: p.quarantine,
		SLO:        resilience.NewSLOTracker(rescfg),
	})
	return p
}

// emit runs the dispatcher over the given events to completion.
func (p *pipeline) emit(t *testing.T, events ...*models.ChangeEvent) {
	t.Helper()
	ch := make(chan *models.ChangeEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	p.dispatcher.Run(context.Background(), ch)
}

// drain processes queued work items until every stream is empty. Retries
// re-enter the stream immediately, so exhaustion terminates too.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for round := 0; round < 100; round++ {
		progressed := false
		for _, agent := range p.cache.Snapshot().Enabled() {
			for {
				deliveries, err := p.queue.Consume(context.Background(), agent.ID, "e2e-worker", 1)
				if err != nil {
					break
				}
				for _, d := range deliveries {
					p.executor.Process(context.Background(), d)
				}
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("pipeline did not drain within 100 rounds")
}

func triageAgent(id string) *models.Agent {
	return &models.Agent{
		ID:       id,
		Enabled:  true,
		Revision: 1,
		Watch: models.WatchSpec{
			Database:   "support",
			Collection: "tickets",
			Operations: []models.ChangeOperation{models.OperationInsert, models.OperationUpdate},
		},
		AI: models.AISpec{
			Provider: "anthropic",
			Model:    "claude-haiku-4-5",
			Prompt:   "Categorize: {{document.subject}}",
		},
		Write: models.WriteSpec{
			Strategy:        models.StrategyMerge,
			TargetField:     "ai_triage",
			IncludeMetadata: true,
		},
		Execution: models.ExecutionSpec{
			MaxRetries: 2,
			RetryDelay: models.Millis(time.Millisecond),
			Timeout:    models.Millis(5 * time.Second),
		},
	}
}

func insertEvent(seq uint64, docID string) *models.ChangeEvent {
	return &models.ChangeEvent{
		WatcherID:    "support.tickets",
		Seq:          seq,
		Operation:    models.OperationInsert,
		Database:     "support",
		Collection:   "tickets",
		DocumentID:   docID,
		FullDocument: map[string]any{"_id": docID, "subject": "billing dispute", "status": "open"},
		ClusterTime:  time.Now().UTC(),
	}
}
