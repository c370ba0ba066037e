package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
)

// Status represents the current state of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Health is one worker's health snapshot.
type Health struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	CurrentItemID  string    `json:"current_item_id,omitempty"`
	ItemsProcessed int       `json:"items_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// PoolHealth aggregates the pool's worker states.
type PoolHealth struct {
	ActiveWorkers int      `json:"active_workers"`
	TotalWorkers  int      `json:"total_workers"`
	Workers       []Health `json:"workers"`
}

// errNoWork is the internal signal that every stream came up empty.
var errNoWork = errors.New("no work available")

// Pool manages the worker goroutines consuming agent streams.
type Pool struct {
	instanceID string
	cfg        *config.WorkerConfig
	queueCfg   *config.QueueConfig
	executor   *Executor
	workers    []*Worker
	ensured    sync.Map // agentID → struct{}, consumer groups created
	started    bool
}

// NewPool builds a pool; Start spawns the workers.
func NewPool(instanceID string, cfg *config.WorkerConfig, queueCfg *config.QueueConfig, executor *Executor) *Pool {
	return &Pool{
		instanceID: instanceID,
		cfg:        cfg,
		queueCfg:   queueCfg,
		executor:   executor,
		workers:    make([]*Worker, 0, cfg.Count),
	}
}

// Start spawns the worker goroutines. Safe to call once; subsequent calls
// are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "instance_id", p.instanceID, "worker_count", p.cfg.Count)
	for i := 0; i < p.cfg.Count; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", p.instanceID, i), p)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}
}

// Stop signals every worker and waits for in-flight items up to the shutdown
// timeout. Items still unacked after it replay through pending-claim
// recovery on the next start.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool", "timeout", p.cfg.ShutdownTimeout.Std())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, w := range p.workers {
			w.stop()
		}
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(p.cfg.ShutdownTimeout.Std()):
		slog.Warn("Worker pool shutdown deadline reached, abandoning in-flight items")
	}
}

// Health reports the pool's worker states.
func (p *Pool) Health() *PoolHealth {
	out := &PoolHealth{
		TotalWorkers: len(p.workers),
		Workers:      make([]Health, len(p.workers)),
	}
	for i, w := range p.workers {
		h := w.health()
		out.Workers[i] = h
		if h.Status == StatusWorking {
			out.ActiveWorkers++
		}
	}
	return out
}

// ensureGroup creates the consumer group for an agent once per process.
func (p *Pool) ensureGroup(ctx context.Context, agentID string) error {
	if _, ok := p.ensured.Load(agentID); ok {
		return nil
	}
	if err := p.executor.deps.Queue.EnsureGroup(ctx, agentID); err != nil {
		return err
	}
	p.ensured.Store(agentID, struct{}{})
	return nil
}

// Worker is a single consumer goroutine round-robining agent streams.
type Worker struct {
	id       string
	pool     *Pool
	cursor   int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	status         Status
	currentItemID  string
	itemsProcessed int
	lastActivity   time.Time
}

func newWorker(id string, pool *Pool) *Worker {
	return &Worker{
		id:           id,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       StatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// stop signals the worker and waits for its current item.
func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{
		ID:             w.id,
		Status:         w.status,
		CurrentItemID:  w.currentItemID,
		ItemsProcessed: w.itemsProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	lastClaim := time.Now()
	claimInterval := w.pool.queueCfg.ClaimInterval.Std()

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			lastClaim = time.Now()
			w.claimOrphans(ctx)
		}

		if err := w.step(ctx); err != nil {
			if errors.Is(err, errNoWork) {
				w.sleep(w.pool.queueCfg.ConsumeBlock.Std())
				continue
			}
			if ctx.Err() == nil {
				log.Error("Error consuming stream", "error", err)
			}
			w.sleep(time.Second)
		}
	}
}

// step consumes one item from the next non-empty eligible stream.
func (w *Worker) step(ctx context.Context) error {
	agentIDs := w.eligibleAgents()
	if len(agentIDs) == 0 {
		return errNoWork
	}

	for range agentIDs {
		agentID := agentIDs[w.cursor%len(agentIDs)]
		w.cursor++

		if err := w.pool.ensureGroup(ctx, agentID); err != nil {
			return fmt.Errorf("failed to ensure group for %s: %w", agentID, err)
		}
		deliveries, err := w.pool.executor.deps.Queue.Consume(ctx, agentID, w.id, 1)
		if errors.Is(err, queue.ErrNoItemsAvailable) {
			continue
		}
		if err != nil {
			return err
		}
		for _, d := range deliveries {
			w.process(ctx, d)
		}
		return nil
	}
	return errNoWork
}

// claimOrphans recovers pending items whose consumer died mid-flight.
func (w *Worker) claimOrphans(ctx context.Context) {
	deps := w.pool.executor.deps
	snap := deps.Cache.Snapshot()
	for _, agent := range snap.Enabled() {
		if deps.Quarantine.Active(agent.ID) {
			continue
		}
		minIdle := 2 * agent.Execution.Timeout.Std()
		if minIdle <= 0 {
			minIdle = time.Minute
		}
		claimed, err := deps.Queue.ClaimPending(ctx, agent.ID, w.id, minIdle, int64(w.pool.queueCfg.ClaimBatch))
		if err != nil {
			slog.Warn("Orphan claim failed", "worker_id", w.id, "agent_id", agent.ID, "error", err)
			continue
		}
		for _, d := range claimed {
			slog.Info("Recovered orphaned item",
				"worker_id", w.id, "agent_id", agent.ID, "item_id", d.Item.ID, "attempt", d.Item.Attempt)
			w.process(ctx, d)
		}
	}
}

func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	w.setStatus(StatusWorking, d.Item.ID)
	defer w.setStatus(StatusIdle, "")

	w.pool.executor.Process(ctx, d)

	w.mu.Lock()
	w.itemsProcessed++
	w.mu.Unlock()
}

// eligibleAgents lists enabled, non-quarantined agents in snapshot order.
func (w *Worker) eligibleAgents() []string {
	deps := w.pool.executor.deps
	enabled := deps.Cache.Snapshot().Enabled()
	out := make([]string, 0, len(enabled))
	for _, a := range enabled {
		if deps.Quarantine.Active(a.ID) {
			continue
		}
		out = append(out, a.ID)
	}
	return out
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) setStatus(status Status, itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentItemID = itemID
	w.lastActivity = time.Now()
}
