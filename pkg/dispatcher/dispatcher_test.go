package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

type staticLister struct {
	agents []*models.Agent
}

func (l *staticLister) List(_ context.Context, enabledOnly bool) ([]*models.Agent, error) {
	out := make([]*models.Agent, 0, len(l.agents))
	for _, a := range l.agents {
		if enabledOnly && !a.Enabled {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	items    []*models.WorkItem
	failures int
}

func (p *fakeProducer) Produce(_ context.Context, _ string, item *models.WorkItem) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return "", errors.New("stream unavailable")
	}
	p.items = append(p.items, item)
	return "1-0", nil
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []models.EventAck
}

func (a *fakeAcker) Ack(ack models.EventAck) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ack)
}

type fakeQuarantine struct{ active map[string]bool }

func (q *fakeQuarantine) Active(agentID string) bool { return q.active[agentID] }

type fakeRecorder struct {
	mu    sync.Mutex
	execs []*models.Execution
}

func (r *fakeRecorder) Record(_ context.Context, exec *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, exec)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	producer   *fakeProducer
	acker      *fakeAcker
	recorder   *fakeRecorder
	quarantine *fakeQuarantine
}

func newFixture(t *testing.T, agentDefs ...*models.Agent) *fixture {
	t.Helper()
	cache := agents.NewCache(&staticLister{agents: agentDefs})
	require.NoError(t, cache.Refresh(context.Background()))

	f := &fixture{
		producer:   &fakeProducer{},
		acker:      &fakeAcker{},
		recorder:   &fakeRecorder{},
		quarantine: &fakeQuarantine{active: map[string]bool{}},
	}
	f.dispatcher = New(config.DefaultDispatcherConfig(), cache, f.producer, f.acker,
		f.quarantine, f.recorder, nil)
	return f
}

func dispatchAgent(id string, filter map[string]any, ops ...models.ChangeOperation) *models.Agent {
	if len(ops) == 0 {
		ops = []models.ChangeOperation{models.OperationInsert, models.OperationUpdate}
	}
	return &models.Agent{
		ID:       id,
		Enabled:  true,
		Revision: 3,
		Watch: models.WatchSpec{
			Database:   "support",
			Collection: "tickets",
			Operations: ops,
			Filter:     filter,
		},
		Write: models.WriteSpec{
			Strategy:    models.StrategyMerge,
			TargetField: "ai_triage",
		},
	}
}

func insertEvent(seq uint64, doc map[string]any) *models.ChangeEvent {
	return &models.ChangeEvent{
		WatcherID:    "support.tickets",
		Seq:          seq,
		Operation:    models.OperationInsert,
		Database:     "support",
		Collection:   "tickets",
		DocumentID:   "doc-1",
		FullDocument: doc,
		ClusterTime:  time.Now().UTC(),
	}
}

func TestDispatchEnqueuesMatchingAgents(t *testing.T) {
	otherNS := dispatchAgent("other-ns", nil)
	otherNS.Watch.Collection = "leads"
	f := newFixture(t,
		dispatchAgent("classify", map[string]any{"status": "open"}),
		dispatchAgent("summarize", nil),
		otherNS)

	ev := insertEvent(7, map[string]any{"_id": "doc-1", "status": "open"})
	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))

	require.Len(t, f.producer.items, 2)
	for _, item := range f.producer.items {
		assert.Equal(t, "doc-1:"+item.AgentID+":3", item.IdempotencyKey)
		assert.Equal(t, 1, item.Attempt)
		assert.Equal(t, models.TriggerChange, item.Trigger)
	}
}

func TestDispatchFilterNonMatch(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", map[string]any{"status": "closed"}))
	ev := insertEvent(1, map[string]any{"_id": "doc-1", "status": "open"})

	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))
	assert.Empty(t, f.producer.items)
	assert.Empty(t, f.recorder.execs, "a clean non-match is not ledgered")
}

func TestDispatchOperationNotWatched(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil, models.OperationDelete))
	ev := insertEvent(1, map[string]any{"_id": "doc-1"})

	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))
	assert.Empty(t, f.producer.items)
}

func TestDispatchExcludesQuarantined(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil))
	f.quarantine.active["classify"] = true

	assert.True(t, f.dispatcher.dispatch(context.Background(), insertEvent(1, map[string]any{"_id": "doc-1"})))
	assert.Empty(t, f.producer.items)
}

func TestDispatchConfigErrorSkipsAndAcks(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", map[string]any{"$bogus": 1}))
	ev := insertEvent(1, map[string]any{"_id": "doc-1"})

	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))
	assert.Empty(t, f.producer.items)
	require.Len(t, f.recorder.execs, 1)
	exec := f.recorder.execs[0]
	assert.Equal(t, models.StatusSkipped, exec.Status)
	assert.Equal(t, models.LifecycleConfigRejected, exec.LifecycleState)
	require.NotNil(t, exec.Error)
	assert.Equal(t, models.TagConfigurationError, exec.Error.Tag)
}

func TestDispatchLoopGuard(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil))
	ev := insertEvent(1, map[string]any{
		"_id": "doc-1",
		"ai_triage": map[string]any{
			"value": map[string]any{"category": "billing"},
			"meta": map[string]any{
				"agent_revision":  int64(3),
				"idempotency_key": "doc-1:classify:3",
			},
		},
	})

	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))
	assert.Empty(t, f.producer.items)
	require.Len(t, f.recorder.execs, 1)
	assert.Equal(t, models.LifecycleLoopGuard, f.recorder.execs[0].LifecycleState)
}

func TestDispatchLoopGuardStaleRevisionStillRuns(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil))
	ev := insertEvent(1, map[string]any{
		"_id": "doc-1",
		"ai_triage": map[string]any{
			"value": "old",
			"meta": map[string]any{
				"agent_revision":  int64(2), // previous revision's write
				"idempotency_key": "doc-1:classify:2",
			},
		},
	})

	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))
	assert.Len(t, f.producer.items, 1)
}

func TestDispatchLoopGuardAppendArray(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil))
	ev := insertEvent(1, map[string]any{
		"_id": "doc-1",
		"ai_triage": []any{
			map[string]any{"meta": map[string]any{
				"agent_revision": int64(3), "idempotency_key": "other"},
			},
			map[string]any{"meta": map[string]any{
				"agent_revision": int64(3), "idempotency_key": "doc-1:classify:3"},
			},
		},
	})

	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))
	assert.Empty(t, f.producer.items)
}

func TestDispatchDeleteWithoutPostImage(t *testing.T) {
	f := newFixture(t,
		dispatchAgent("no-filter", nil, models.OperationDelete),
		dispatchAgent("by-id", map[string]any{"_id": "doc-1"}, models.OperationDelete),
		dispatchAgent("by-status", map[string]any{"status": "open"}, models.OperationDelete))

	ev := &models.ChangeEvent{
		WatcherID:  "support.tickets",
		Seq:        1,
		Operation:  models.OperationDelete,
		Database:   "support",
		Collection: "tickets",
		DocumentID: "doc-1",
	}
	assert.True(t, f.dispatcher.dispatch(context.Background(), ev))

	matched := make([]string, 0, len(f.producer.items))
	for _, item := range f.producer.items {
		matched = append(matched, item.AgentID)
	}
	assert.ElementsMatch(t, []string{"no-filter", "by-id"}, matched,
		"unfiltered and _id-only agents see deletes; post-image filters cannot")
}

func TestDispatchRetriesEnqueueFailures(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil))
	f.producer.failures = 2

	assert.True(t, f.dispatcher.dispatch(context.Background(), insertEvent(1, map[string]any{"_id": "doc-1"})))
	assert.Len(t, f.producer.items, 1)
}

func TestRunAcksAfterFanOut(t *testing.T) {
	f := newFixture(t, dispatchAgent("classify", nil))
	events := make(chan *models.ChangeEvent, 2)
	events <- insertEvent(4, map[string]any{"_id": "doc-1"})
	events <- insertEvent(5, map[string]any{"_id": "doc-1"})
	close(events)

	f.dispatcher.Run(context.Background(), events)

	require.Len(t, f.acker.acks, 2)
	assert.Equal(t, uint64(4), f.acker.acks[0].Seq)
	assert.Equal(t, uint64(5), f.acker.acks[1].Seq)
	assert.Len(t, f.producer.items, 2)
}
