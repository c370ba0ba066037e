// Package runtime assembles the engine: change feed, dispatcher, queue,
// worker pool, and resilience state, with one lifecycle for all of them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/database"
	"github.com/mongoclaw/mongoclaw/pkg/dispatcher"
	"github.com/mongoclaw/mongoclaw/pkg/executions"
	"github.com/mongoclaw/mongoclaw/pkg/llm"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/prompt"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/resilience"
	"github.com/mongoclaw/mongoclaw/pkg/watcher"
	"github.com/mongoclaw/mongoclaw/pkg/worker"
	"github.com/mongoclaw/mongoclaw/pkg/writer"
)

// ErrDocumentNotFound indicates a manual enqueue referencing a document the
// watched collection does not hold.
var ErrDocumentNotFound = errors.New("document not found")

// Runtime owns every engine component and their shared lifecycle.
type Runtime struct {
	cfg        *config.Config
	instanceID string

	db     *database.Client
	queue  *queue.Client
	sink   *metrics.Sink
	router *llm.Router

	agentStore *agents.Store
	cache      *agents.Cache
	executions *executions.Store
	keys       *writer.KeyStore
	engine     *writer.Engine
	tokens     *watcher.TokenStore

	watcher    *watcher.Watcher
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool

	breakers   *resilience.BreakerSet
	rates      *resilience.RateLimiters
	costs      *resilience.CostTracker
	quarantine *resilience.Quarantine
	slo        *resilience.SLOTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to MongoDB and Redis and wires the component graph. Nothing
// runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	db, err := database.NewClient(ctx, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	q, err := queue.NewClient(ctx, cfg.Redis, cfg.Queue)
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}

	router, err := llm.NewRouter(cfg.Providers, llm.NewResponseCache(q, cfg.Providers.Cache))
	if err != nil {
		_ = q.Close()
		_ = db.Close(ctx)
		return nil, err
	}

	r := &Runtime{
		cfg:        cfg,
		instanceID: instanceID(),
		db:         db,
		queue:      q,
		sink:       metrics.NewSink(),
		router:     router,
		agentStore: agents.NewStore(db.Agents()),
		executions: executions.NewStore(db.Executions()),
		keys:       writer.NewKeyStore(db.IdempotencyKeys()),
		engine:     writer.NewEngine(db),
		tokens:     watcher.NewTokenStore(db.ResumeTokens()),
		breakers:   resilience.NewBreakerSet(cfg.Resilience),
		rates:      resilience.NewRateLimiters(),
		costs:      resilience.NewCostTracker(cfg.Resilience),
		quarantine: resilience.NewQuarantine(cfg.Resilience.QuarantineThreshold),
		slo:        resilience.NewSLOTracker(cfg.Resilience),
	}
	r.cache = agents.NewCache(r.agentStore)

	r.watcher = watcher.New(cfg.Watcher, watcher.MongoOpen(db, cfg.Watcher), r.tokens, r.executions, r.sink)
	r.dispatcher = dispatcher.New(cfg.Dispatcher, r.cache, q, r.watcher, r.quarantine, r.executions, r.sink)

	executor := worker.NewExecutor(worker.Deps{
		Cache:      r.cache,
		Queue:      q,
		Ledger:     r.executions,
		Keys:       r.keys,
		Engine:     r.engine,
		Models:     router,
		Breakers:   r.breakers,
		Rates:      r.rates,
		Costs:      r.costs,
		Quarantine: r.quarantine,
		SLO:        r.slo,
		Sink:       r.sink,
		LockGrace:  cfg.Worker.LockGrace.Std(),
	})
	r.pool = worker.NewPool(r.instanceID, cfg.Worker, cfg.Queue, executor)

	return r, nil
}

// InstanceID returns this process's worker-pool identity.
func (r *Runtime) InstanceID() string { return r.instanceID }

// Sink exposes the metrics registry for the HTTP surface.
func (r *Runtime) Sink() *metrics.Sink { return r.sink }

// Agents exposes the agent store for the management API.
func (r *Runtime) Agents() *agents.Store { return r.agentStore }

// Executions exposes the ledger store for the management API.
func (r *Runtime) Executions() *executions.Store { return r.executions }

// Start creates indexes and spins up every component goroutine. It returns
// once the engine is running; Stop tears it down.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.ensureIndexes(ctx); err != nil {
		return err
	}
	if err := r.cache.Refresh(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.spawn(func() { r.cache.Run(runCtx, agents.DefaultRefreshInterval) })
	r.spawn(func() {
		r.cache.RunChangeStream(runCtx, func(ctx context.Context) (agents.Stream, error) {
			stream, err := r.agentStore.WatchChanges(ctx)
			if err != nil {
				return nil, err
			}
			return stream, nil
		})
	})
	r.spawn(func() {
		r.watcher.Run(runCtx, func() []models.WatchSpec {
			return r.cache.Snapshot().Namespaces()
		})
	})
	r.spawn(func() {
		// The dispatcher exits when the watcher closes the handoff channel,
		// so every buffered event is fanned out before shutdown completes.
		r.dispatcher.Run(context.Background(), r.watcher.Events())
	})
	r.spawn(func() { r.runDepthGauges(runCtx) })
	r.pool.Start(runCtx)

	slog.Info("Engine started",
		"instance_id", r.instanceID,
		"agents", len(r.cache.Snapshot().Enabled()),
		"providers", r.router.Providers())
	return nil
}

// Stop drains the engine: the feed stops first, the dispatcher finishes the
// buffered events, workers get the shutdown timeout for in-flight items, and
// the final resume tokens flush before connections close.
func (r *Runtime) Stop(ctx context.Context) {
	slog.Info("Stopping engine", "instance_id", r.instanceID)
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
		r.pool.Stop()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Engine drain deadline reached, abandoning in-flight work")
	}

	if err := r.queue.Close(); err != nil {
		slog.Warn("Failed to close queue client", "error", err)
	}
	if err := r.db.Close(context.Background()); err != nil {
		slog.Warn("Failed to close database client", "error", err)
	}
	slog.Info("Engine stopped")
}

// Ready verifies both backing stores for the readiness probe.
func (r *Runtime) Ready(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	if err := r.queue.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) ensureIndexes(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"agents", r.agentStore.EnsureIndexes},
		{"executions", r.executions.EnsureIndexes},
		{"resume_tokens", r.tokens.EnsureIndexes},
		{"idempotency_keys", r.keys.EnsureIndexes},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("failed to ensure %s indexes: %w", s.name, err)
		}
	}
	return nil
}

// runDepthGauges refreshes the per-agent queue and DLQ depth gauges.
func (r *Runtime) runDepthGauges(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Observability.QueueDepthInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agent := range r.cache.Snapshot().Enabled() {
				if depth, err := r.queue.Len(ctx, agent.ID); err == nil {
					r.sink.SetQueueDepth(agent.ID, depth)
				}
				if depth, err := r.queue.DLQLen(ctx, agent.ID); err == nil {
					r.sink.SetDLQDepth(agent.ID, depth)
				}
				r.sink.SetQuarantine(agent.ID, r.quarantine.Active(agent.ID))
			}
		}
	}
}

// AgentStatus is one agent's operational snapshot for the status surface.
type AgentStatus struct {
	ID              string             `json:"id"`
	Enabled         bool               `json:"enabled"`
	Revision        int64              `json:"revision"`
	Namespace       string             `json:"namespace"`
	QueueDepth      int64              `json:"queue_depth"`
	DLQDepth        int64              `json:"dlq_depth"`
	Pending         int64              `json:"pending"`
	BreakerState    string             `json:"breaker_state"`
	Quarantined     bool               `json:"quarantined"`
	LastExecutionAt *time.Time         `json:"last_execution_at,omitempty"`
	Stats           *models.AgentStats `json:"stats,omitempty"`
}

// Status is the engine-wide operational snapshot.
type Status struct {
	InstanceID string             `json:"instance_id"`
	Agents     []AgentStatus      `json:"agents"`
	Workers    *worker.PoolHealth `json:"workers"`
}

// Status assembles the operational snapshot across every known agent,
// enabled or not. Per-agent lookup failures degrade to zeroes rather than
// failing the whole surface.
func (r *Runtime) Status(ctx context.Context) *Status {
	snap := r.cache.Snapshot()
	out := &Status{
		InstanceID: r.instanceID,
		Workers:    r.pool.Health(),
	}

	all, err := r.agentStore.List(ctx, false)
	if err != nil {
		slog.Warn("Failed to list agents for status", "error", err)
		all = snap.Enabled()
	}
	for _, agent := range all {
		st := AgentStatus{
			ID:        agent.ID,
			Enabled:   agent.Enabled,
			Revision:  agent.Revision,
			Namespace: agent.Watch.Namespace(),
			BreakerState: r.breakers.State(resilience.BreakerKey{
				AgentID:  agent.ID,
				Provider: agent.AI.Provider,
				Model:    agent.AI.Model,
			}).String(),
			Quarantined: r.quarantine.Active(agent.ID),
		}
		if depth, err := r.queue.Len(ctx, agent.ID); err == nil {
			st.QueueDepth = depth
		}
		if depth, err := r.queue.DLQLen(ctx, agent.ID); err == nil {
			st.DLQDepth = depth
		}
		if pending, err := r.queue.PendingCount(ctx, agent.ID); err == nil {
			st.Pending = pending
		}
		if last, err := r.executions.LastExecutionAt(ctx, agent.ID); err == nil {
			st.LastExecutionAt = last
		}
		if stats, err := r.executions.StatsByAgent(ctx, agent.ID); err == nil {
			st.Stats = stats
		}
		out.Agents = append(out.Agents, st)
	}
	return out
}

// EnqueueManual submits one document to an agent directly, bypassing the
// change feed and filter matching. The document is loaded from the watched
// collection so the prompt sees its current state.
func (r *Runtime) EnqueueManual(ctx context.Context, agentID string, documentID any) (*models.WorkItem, error) {
	agent, err := r.agentStore.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	err = r.db.WatchedCollection(agent.Watch.Database, agent.Watch.Collection).
		FindOne(ctx, bson.D{{Key: "_id", Value: documentID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %v in %s", ErrDocumentNotFound, documentID, agent.Watch.Namespace())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %v: %w", documentID, err)
	}

	item := models.NewWorkItem(agent, documentID, doc, models.OperationUpdate, models.TriggerWebhook, "")
	tmpl, err := prompt.Parse(agent.Write.IdempotencyKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("idempotency key template: %w", err)
	}
	key, err := tmpl.Render(prompt.Context(item, agent))
	if err != nil {
		return nil, fmt.Errorf("idempotency key template: %w", err)
	}
	item.IdempotencyKey = key

	if _, err := r.queue.Produce(ctx, agent.ID, item); err != nil {
		return nil, err
	}
	slog.Info("Manual enqueue accepted", "agent_id", agent.ID, "document_id", item.DocumentIDString())
	return item, nil
}

// ListDLQ returns the newest dead-lettered entries for one agent.
func (r *Runtime) ListDLQ(ctx context.Context, agentID string, limit int64) ([]queue.DLQEntry, error) {
	return r.queue.ListDLQ(ctx, agentID, limit)
}

// ReplayDLQ re-enqueues dead-lettered items with a fresh attempt counter.
func (r *Runtime) ReplayDLQ(ctx context.Context, agentID string, limit int64) (int, error) {
	return r.queue.ReplayDLQ(ctx, agentID, limit)
}

// ReleaseQuarantine lifts an agent's quarantine; the dead-letter streak
// restarts from zero.
func (r *Runtime) ReleaseQuarantine(agentID string) bool {
	released := r.quarantine.Release(agentID)
	if released {
		r.sink.SetQuarantine(agentID, false)
		slog.Info("Quarantine released", "agent_id", agentID)
	}
	return released
}

// ForgetAgent clears per-agent resilience state and gauges after a delete.
func (r *Runtime) ForgetAgent(agentID string) {
	r.breakers.Forget(agentID)
	r.rates.Forget(agentID)
	r.costs.Forget(agentID)
	r.quarantine.Forget(agentID)
	r.slo.Forget(agentID)
	r.sink.ForgetAgent(agentID)
}

// RefreshAgents forces a cache refresh after a mutation through the API so
// the change takes effect without waiting for the poll interval.
func (r *Runtime) RefreshAgents(ctx context.Context) {
	if err := r.cache.Refresh(ctx); err != nil {
		slog.Warn("Agent cache refresh failed after mutation", "error", err)
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mongoclaw"
	}
	return host + "-" + uuid.NewString()[:8]
}
