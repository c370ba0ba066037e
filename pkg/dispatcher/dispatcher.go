// Package dispatcher fans change events out to work items: one item per
// matching enabled agent, enqueued atomically before the event's sequence is
// acknowledged back to the watcher.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/match"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/prompt"
)

// Producer is the queue subset the dispatcher enqueues through.
type Producer interface {
	Produce(ctx context.Context, agentID string, item *models.WorkItem) (string, error)
}

// Acker receives sequence acknowledgements for fully fanned-out events.
type Acker interface {
	Ack(ack models.EventAck)
}

// QuarantineChecker excludes quarantined agents from fan-out.
type QuarantineChecker interface {
	Active(agentID string) bool
}

type executionRecorder interface {
	Record(ctx context.Context, exec *models.Execution) error
}

// Dispatcher consumes the watcher handoff channel.
type Dispatcher struct {
	cfg        *config.DispatcherConfig
	cache      *agents.Cache
	queue      Producer
	acker      Acker
	quarantine QuarantineChecker
	executions executionRecorder
	sink       *metrics.Sink
}

// New builds a dispatcher. quarantine and sink may be nil.
func New(cfg *config.DispatcherConfig, cache *agents.Cache, queue Producer, acker Acker,
	quarantine QuarantineChecker, executions executionRecorder, sink *metrics.Sink) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		cache:      cache,
		queue:      queue,
		acker:      acker,
		quarantine: quarantine,
		executions: executions,
		sink:       sink,
	}
}

// Run drains the event channel until it closes or the context ends. An event
// whose fan-out cannot complete is never acked, so a crash replays it.
func (d *Dispatcher) Run(ctx context.Context, events <-chan *models.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if d.dispatch(ctx, ev) {
				d.acker.Ack(models.EventAck{WatcherID: ev.WatcherID, Seq: ev.Seq})
			}
		}
	}
}

// dispatch fans one event out and reports whether it may be acknowledged.
// Only a context cancellation mid-enqueue returns false.
func (d *Dispatcher) dispatch(ctx context.Context, ev *models.ChangeEvent) bool {
	snap := d.cache.Snapshot()
	for _, agent := range snap.ByNamespace(ev.Database, ev.Collection) {
		if !agent.Watch.WatchesOperation(ev.Operation) {
			continue
		}
		if d.quarantine != nil && d.quarantine.Active(agent.ID) {
			slog.Debug("Skipping quarantined agent", "agent_id", agent.ID)
			continue
		}

		item, verdict := d.evaluate(ev, agent)
		switch verdict.kind {
		case verdictNoMatch:
			continue
		case verdictSkip:
			d.recordSkip(ctx, ev, agent, verdict)
			continue
		}

		if err := d.enqueue(ctx, agent.ID, item); err != nil {
			// Context gone mid-fan-out: leave the event unacked. Agents
			// already enqueued will run twice on replay; idempotency keys
			// make the second pass a no-op.
			slog.Warn("Fan-out interrupted, holding event",
				"agent_id", agent.ID, "seq", ev.Seq, "error", err)
			return false
		}
	}
	return true
}

type verdictKind int

const (
	verdictEnqueue verdictKind = iota
	verdictNoMatch
	verdictSkip
)

type verdict struct {
	kind   verdictKind
	state  models.LifecycleState
	tag    models.ErrorTag
	reason string
}

// evaluate runs filter matching and the loop-guard for one (event, agent)
// pair, returning the work item to enqueue when the verdict is enqueue.
func (d *Dispatcher) evaluate(ev *models.ChangeEvent, agent *models.Agent) (*models.WorkItem, verdict) {
	matched, v := d.matches(ev, agent)
	if v != nil {
		return nil, *v
	}
	if !matched {
		return nil, verdict{kind: verdictNoMatch}
	}

	item := models.NewWorkItem(agent, ev.DocumentID, ev.FullDocument, ev.Operation, models.TriggerChange, "")
	key, err := renderIdempotencyKey(item, agent)
	if err != nil {
		return nil, verdict{
			kind:   verdictSkip,
			state:  models.LifecycleConfigRejected,
			tag:    models.TagConfigurationError,
			reason: fmt.Sprintf("idempotency key template: %v", err),
		}
	}
	item.IdempotencyKey = key

	if d.loopGuarded(ev.FullDocument, agent, key) {
		if d.sink != nil {
			d.sink.ObserveLoopGuardSkip(agent.ID)
		}
		return nil, verdict{
			kind:   verdictSkip,
			state:  models.LifecycleLoopGuard,
			reason: "post-image already carries this write",
		}
	}
	return item, verdict{kind: verdictEnqueue}
}

// matches applies the agent's filter to the event. A nil verdict with
// matched=false is a clean non-match; a non-nil verdict is a skip.
func (d *Dispatcher) matches(ev *models.ChangeEvent, agent *models.Agent) (bool, *verdict) {
	filter, err := match.Parse(agent.Watch.Filter)
	if err != nil {
		return false, &verdict{
			kind:   verdictSkip,
			state:  models.LifecycleConfigRejected,
			tag:    models.TagConfigurationError,
			reason: fmt.Sprintf("watch filter: %v", err),
		}
	}

	doc := ev.FullDocument
	if doc == nil {
		// Delete events carry no post-image: only filters constraining
		// nothing but _id can be decided, everything else is a non-match.
		if !filter.ReferencesOnlyID() {
			return false, nil
		}
		doc = map[string]any{"_id": ev.DocumentID}
	}

	matched, err := filter.Matches(doc)
	if err != nil {
		return false, &verdict{
			kind:   verdictSkip,
			state:  models.LifecycleConfigRejected,
			tag:    models.TagFilterError,
			reason: fmt.Sprintf("watch filter evaluation: %v", err),
		}
	}
	return matched, nil
}

// loopGuarded reports whether the post-image already holds this agent's
// write for this exact (revision, idempotency key) pair, which means the
// event was caused by the write itself.
func (d *Dispatcher) loopGuarded(doc map[string]any, agent *models.Agent, key string) bool {
	if doc == nil {
		return false
	}
	target := lookupField(doc, agent.Write.TargetField)
	if target == nil {
		return false
	}

	if elements, ok := target.([]any); ok {
		for _, el := range elements {
			if envelopeMatches(el, agent.Revision, key) {
				return true
			}
		}
		return false
	}
	return envelopeMatches(target, agent.Revision, key)
}

func envelopeMatches(value any, revision int64, key string) bool {
	wrapped, ok := value.(map[string]any)
	if !ok {
		return false
	}
	meta, ok := wrapped["meta"].(map[string]any)
	if !ok {
		return false
	}
	rev, ok := asInt64(meta["agent_revision"])
	if !ok || rev != revision {
		return false
	}
	k, _ := meta["idempotency_key"].(string)
	return k == key
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func lookupField(doc map[string]any, path string) any {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func renderIdempotencyKey(item *models.WorkItem, agent *models.Agent) (string, error) {
	tmpl, err := prompt.Parse(agent.Write.IdempotencyKeyTemplate())
	if err != nil {
		return "", err
	}
	return tmpl.Render(prompt.Context(item, agent))
}

// enqueue retries produce failures indefinitely; only context cancellation
// escapes. Giving up would require acking an event whose work was lost.
func (d *Dispatcher) enqueue(ctx context.Context, agentID string, item *models.WorkItem) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.EnqueueBackoffBase.Std()
	bo.MaxInterval = d.cfg.EnqueueBackoffMax.Std()
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		_, err := d.queue.Produce(ctx, agentID, item)
		if err != nil {
			slog.Warn("Enqueue failed, retrying", "agent_id", agentID, "error", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// recordSkip writes the skipped ledger entry for a config error, filter
// error, or loop-guard hit. Ledger failures are logged and swallowed: a
// bookkeeping outage must not stall the stream.
func (d *Dispatcher) recordSkip(ctx context.Context, ev *models.ChangeEvent, agent *models.Agent, v verdict) {
	now := time.Now().UTC()
	exec := &models.Execution{
		ID:             uuid.NewString(),
		AgentID:        agent.ID,
		AgentRevision:  agent.Revision,
		DocumentID:     models.StringifyDocumentID(ev.DocumentID),
		Status:         models.StatusSkipped,
		LifecycleState: v.state,
		Attempt:        1,
		StartedAt:      now,
		CompletedAt:    &now,
		SkipReason:     v.reason,
		CreatedAt:      now,
	}
	if v.tag != "" {
		exec.Error = &models.ExecError{Tag: v.tag, Message: v.reason}
	}
	if err := d.executions.Record(ctx, exec); err != nil {
		slog.Warn("Failed to record skipped execution",
			"agent_id", agent.ID, "error", err)
	}
	if d.sink != nil {
		d.sink.ObserveExecution(agent.ID, string(models.StatusSkipped))
	}
	slog.Debug("Event skipped",
		"agent_id", agent.ID,
		"state", string(v.state),
		"reason", v.reason)
}
