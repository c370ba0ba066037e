// Package worker consumes agent streams and runs the execution pipeline:
// admission, prompt render, model invocation, response parse, policy, and
// the conditional write-back, with the retry/DLQ disposition per error tag.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/llm"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/policy"
	"github.com/mongoclaw/mongoclaw/pkg/prompt"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/resilience"
	"github.com/mongoclaw/mongoclaw/pkg/writer"
)

// maxRetryDelay bounds the exponential retry backoff.
const maxRetryDelay = 60 * time.Second

// Queue is the stream client subset the worker drives.
type Queue interface {
	EnsureGroup(ctx context.Context, agentID string) error
	Consume(ctx context.Context, agentID, consumer string, count int64) ([]queue.Delivery, error)
	Ack(ctx context.Context, agentID, entryID string) error
	Nack(ctx context.Context, agentID, entryID string, item *models.WorkItem, delay time.Duration) error
	PushDLQ(ctx context.Context, agentID, entryID string, item *models.WorkItem, tag, msg string) error
	ClaimPending(ctx context.Context, agentID, consumer string, minIdle time.Duration, count int64) ([]queue.Delivery, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Ledger is the execution store subset the pipeline writes.
type Ledger interface {
	RecordRunning(ctx context.Context, exec *models.Execution) error
	Finalize(ctx context.Context, exec *models.Execution) error
}

// KeyStore is the idempotency record store.
type KeyStore interface {
	Check(ctx context.Context, key string) (*writer.KeyRecord, error)
	Record(ctx context.Context, key, executionID, fingerprint string) error
}

// WriteEngine applies results to watched documents.
type WriteEngine interface {
	Apply(ctx context.Context, req *writer.Request) (*writer.Result, error)
}

// Deps bundles everything one execution needs. Sink may be nil.
type Deps struct {
	Cache      *agents.Cache
	Queue      Queue
	Ledger     Ledger
	Keys       KeyStore
	Engine     WriteEngine
	Models     llm.ModelClient
	Breakers   *resilience.BreakerSet
	Rates      *resilience.RateLimiters
	Costs      *resilience.CostTracker
	Quarantine *resilience.Quarantine
	SLO        *resilience.SLOTracker
	Sink       *metrics.Sink
	LockGrace  time.Duration
}

// Executor runs the per-item pipeline.
type Executor struct {
	deps Deps
}

// NewExecutor builds an executor over the dependency set.
func NewExecutor(deps Deps) *Executor {
	if deps.LockGrace <= 0 {
		deps.LockGrace = config.DefaultWorkerConfig().LockGrace.Std()
	}
	return &Executor{deps: deps}
}

// Process runs one delivered work item to a terminal disposition: ack, nack
// with delay, or dead-letter. It never returns an error for item-level
// failures; those are the pipeline's own outcomes.
func (e *Executor) Process(ctx context.Context, d queue.Delivery) {
	item := d.Item
	agentID := item.AgentID
	log := slog.With("agent_id", agentID, "item_id", item.ID, "attempt", item.Attempt)

	exec := models.NewExecution(item)
	if err := e.deps.Ledger.RecordRunning(ctx, exec); err != nil {
		log.Warn("Failed to record running execution", "error", err)
	}

	// Idempotency: a fresh record means this exact work already completed.
	if rec, err := e.deps.Keys.Check(ctx, item.IdempotencyKey); err != nil {
		log.Warn("Idempotency check failed, proceeding", "error", err)
	} else if rec != nil {
		log.Info("Idempotent replay, skipping", "execution_id", rec.ExecutionID)
		e.finishSkip(ctx, d, exec, models.LifecycleIdempotent, "idempotency key already executed")
		return
	}

	snap := e.deps.Cache.Snapshot()
	agent, ok := snap.Get(agentID)
	if !ok {
		e.finishSkip(ctx, d, exec, models.LifecycleAgentGone, "agent deleted")
		return
	}

	if gate, tag := e.admit(agent); gate != "" {
		delay := admissionDelay(agent.Execution.RetryDelay.Std(), item.Attempt)
		exec.SkipReason = gate
		if tag != "" {
			exec.Error = &models.ExecError{Tag: tag, Message: gate}
		}
		exec.Finalize(models.StatusSkipped, models.LifecycleRetryScheduled)
		e.finalize(ctx, exec)
		if err := e.deps.Queue.Nack(ctx, agentID, d.EntryID, item, delay); err != nil {
			log.Error("Failed to defer item", "error", err)
		}
		log.Debug("Admission deferred item", "gate", gate, "delay", delay)
		return
	}

	if item.AgentRevision < agent.Revision {
		e.finishSkip(ctx, d, exec, models.LifecycleAgentGone,
			fmt.Sprintf("agent revision %d superseded by %d", item.AgentRevision, agent.Revision))
		return
	}

	// Strong mode serializes per (agent, document) with an advisory lock.
	if agent.Execution.ConsistencyMode == models.ConsistencyStrong {
		lockKey := fmt.Sprintf("lock:agent:%s:doc:%s", agentID, item.DocumentIDString())
		ttl := agent.Execution.Timeout.Std() + e.deps.LockGrace
		acquired, err := e.deps.Queue.SetNX(ctx, lockKey, exec.ID, ttl)
		if err != nil {
			log.Warn("Lock acquisition failed, deferring", "error", err)
		}
		if err != nil || !acquired {
			exec.Finalize(models.StatusSkipped, models.LifecycleRetryScheduled)
			exec.SkipReason = "document locked by concurrent execution"
			e.finalize(ctx, exec)
			if err := e.deps.Queue.Nack(ctx, agentID, d.EntryID, item, time.Second); err != nil {
				log.Error("Failed to defer locked item", "error", err)
			}
			return
		}
		defer func() {
			if err := e.deps.Queue.Del(context.Background(), lockKey); err != nil {
				log.Warn("Failed to release document lock", "key", lockKey, "error", err)
			}
		}()
	}

	e.execute(ctx, d, exec, agent, log)
}

// execute runs render → invoke → parse → policy → write → finalize.
func (e *Executor) execute(ctx context.Context, d queue.Delivery, exec *models.Execution, agent *models.Agent, log *slog.Logger) {
	item := d.Item
	renderCtx := prompt.Context(item, agent)

	promptText, err := renderTemplate(agent.AI.Prompt, renderCtx)
	if err != nil {
		e.finishConfigError(ctx, d, exec, fmt.Sprintf("prompt template: %v", err))
		return
	}
	systemText := ""
	if agent.AI.SystemPrompt != "" {
		systemText, err = renderTemplate(agent.AI.SystemPrompt, renderCtx)
		if err != nil {
			e.finishConfigError(ctx, d, exec, fmt.Sprintf("system prompt template: %v", err))
			return
		}
	}

	key := resilience.BreakerKey{AgentID: agent.ID, Provider: agent.AI.Provider, Model: agent.AI.Model}
	invokeCtx, cancel := context.WithTimeout(ctx, agent.Execution.Timeout.Std())
	resp, err := e.deps.Models.Invoke(invokeCtx, &llm.Request{
		Provider:    agent.AI.Provider,
		Model:       agent.AI.Model,
		System:      systemText,
		Prompt:      promptText,
		Temperature: agent.AI.Temperature,
		MaxTokens:   agent.AI.MaxTokens,
	})
	cancel()
	if err != nil {
		tag := llm.Classify(err)
		if tag != models.TagConfigurationError {
			e.recordBreaker(key, false)
		}
		e.fail(ctx, d, exec, agent, tag, fmt.Sprintf("model invocation: %v", err))
		return
	}
	e.recordBreaker(key, true)

	exec.TokensUsed = resp.TokensUsed()
	exec.CostUSD = resp.CostUSD
	e.deps.Costs.Record(agent.ID, resp.CostUSD)
	if e.deps.Sink != nil {
		e.deps.Sink.ObserveModelUsage(agent.ID, agent.AI.Provider, agent.AI.Model,
			resp.TokensIn, resp.TokensOut, resp.CostUSD)
	}

	schema, err := llm.CompileSchema(agent.AI.ResponseSchema)
	if err != nil {
		e.finishConfigError(ctx, d, exec, fmt.Sprintf("response schema: %v", err))
		return
	}
	result, err := llm.ParseResponse(resp.Text, schema)
	if err != nil {
		e.fail(ctx, d, exec, agent, models.TagParseError, fmt.Sprintf("response parse: %v", err))
		return
	}

	decision, err := policy.Evaluate(agent, prompt.ResultContext(renderCtx, result), result, slog.Default())
	if err != nil {
		e.finishConfigError(ctx, d, exec, fmt.Sprintf("policy: %v", err))
		return
	}
	if !decision.Write {
		e.finishSkip(ctx, d, exec, models.LifecyclePolicyBlocked, decision.Reason)
		return
	}

	targetField := agent.Write.TargetField
	if decision.TargetField != "" {
		targetField = decision.TargetField
	}
	now := time.Now().UTC()
	res, err := e.deps.Engine.Apply(ctx, &writer.Request{
		Database:        agent.Watch.Database,
		Collection:      agent.Watch.Collection,
		DocumentID:      item.DocumentID,
		TargetField:     targetField,
		Value:           decision.Value,
		Strategy:        agent.Write.Strategy,
		IdempotencyKey:  item.IdempotencyKey,
		IncludeMetadata: agent.Write.IncludeMetadata,
		Envelope: writer.Envelope{
			AgentID:        agent.ID,
			AgentRevision:  agent.Revision,
			ExecutedAt:     now,
			IdempotencyKey: item.IdempotencyKey,
			Provider:       agent.AI.Provider,
			Model:          agent.AI.Model,
			TokensUsed:     resp.TokensUsed(),
			CostUSD:        resp.CostUSD,
		},
	})
	if err != nil {
		tag := models.TagWriteError
		if writer.IsTransient(err) {
			tag = models.TagTransientWriteError
		}
		e.fail(ctx, d, exec, agent, tag, fmt.Sprintf("write: %v", err))
		return
	}

	if err := e.deps.Keys.Record(ctx, item.IdempotencyKey, exec.ID, models.FingerprintValue(decision.Value)); err != nil {
		log.Warn("Failed to record idempotency key", "error", err)
	}

	lifecycle := models.LifecycleExecuted
	if _, stillThere := e.deps.Cache.Snapshot().Get(agent.ID); !stillThere {
		lifecycle = models.LifecycleStaleAgentWrite
	}
	exec.Written = res.Written
	if res.Conflict {
		exec.Error = &models.ExecError{Tag: models.TagWriteConflict, Message: "document already carries this idempotency key"}
	}
	exec.Finalize(models.StatusCompleted, lifecycle)
	e.finalize(ctx, exec)

	if err := e.deps.Queue.Ack(ctx, agent.ID, d.EntryID); err != nil {
		log.Error("Failed to ack completed item", "error", err)
	}
	e.deps.Quarantine.RecordTerminal(agent.ID)
	e.observeLatency(agent.ID, item)
	log.Info("Execution completed", "written", res.Written, "conflict", res.Conflict,
		"tokens", exec.TokensUsed, "cost_usd", exec.CostUSD)
}

// admit runs the admission gates in order and names the first closed one.
func (e *Executor) admit(agent *models.Agent) (string, models.ErrorTag) {
	if e.deps.Quarantine.Active(agent.ID) {
		return "agent quarantined", models.TagQuarantined
	}
	if !e.deps.Rates.Allow(agent.ID, agent.Execution.RateLimitPerMinute) {
		return "rate limit exceeded", ""
	}
	if !e.deps.Costs.Admit(agent.ID, agent.Execution.CostLimitUSDPerHour) {
		return "cost ceiling reached", ""
	}
	key := resilience.BreakerKey{AgentID: agent.ID, Provider: agent.AI.Provider, Model: agent.AI.Model}
	if !e.deps.Breakers.Allow(key) {
		return "circuit breaker open", ""
	}
	return "", ""
}

// fail applies the retry/DLQ disposition for a tagged failure.
func (e *Executor) fail(ctx context.Context, d queue.Delivery, exec *models.Execution, agent *models.Agent, tag models.ErrorTag, msg string) {
	item := d.Item
	exec.Error = &models.ExecError{Tag: tag, Message: msg}

	if tag.Retryable() && item.Attempt < agent.Execution.MaxAttempts() {
		delay := retryDelay(agent.Execution.RetryDelay.Std(), item.Attempt, tag)
		item.Attempt++
		exec.Finalize(models.StatusFailed, models.LifecycleRetryScheduled)
		e.finalize(ctx, exec)
		if err := e.deps.Queue.Nack(ctx, agent.ID, d.EntryID, item, delay); err != nil {
			slog.Error("Failed to schedule retry", "agent_id", agent.ID, "error", err)
		}
		if e.deps.Sink != nil {
			e.deps.Sink.ObserveRetryScheduled(agent.ID, string(tag))
		}
		slog.Warn("Execution failed, retry scheduled",
			"agent_id", agent.ID, "tag", string(tag), "attempt", item.Attempt, "delay", delay)
		return
	}

	exec.Finalize(models.StatusDLQ, models.LifecycleDeadLettered)
	e.finalize(ctx, exec)
	if err := e.deps.Queue.PushDLQ(ctx, agent.ID, d.EntryID, item, string(tag), msg); err != nil {
		slog.Error("Failed to dead-letter item", "agent_id", agent.ID, "error", err)
	}
	e.observeLatency(agent.ID, item)
	slog.Error("Execution dead-lettered", "agent_id", agent.ID, "tag", string(tag), "error", msg)

	if e.deps.Quarantine.RecordDeadLetter(agent.ID) {
		slog.Error("Agent quarantined after consecutive dead-letters", "agent_id", agent.ID)
		if e.deps.Sink != nil {
			e.deps.Sink.SetQuarantine(agent.ID, true)
		}
	}
}

// finishSkip acks the item with a terminal skipped execution.
func (e *Executor) finishSkip(ctx context.Context, d queue.Delivery, exec *models.Execution, state models.LifecycleState, reason string) {
	exec.Skip(state, reason)
	e.finalize(ctx, exec)
	if err := e.deps.Queue.Ack(ctx, d.Item.AgentID, d.EntryID); err != nil {
		slog.Error("Failed to ack skipped item", "agent_id", d.Item.AgentID, "error", err)
	}
	e.deps.Quarantine.RecordTerminal(d.Item.AgentID)
}

// finishConfigError is a skip that carries the configuration_error tag.
func (e *Executor) finishConfigError(ctx context.Context, d queue.Delivery, exec *models.Execution, msg string) {
	exec.Error = &models.ExecError{Tag: models.TagConfigurationError, Message: msg}
	e.finishSkip(ctx, d, exec, models.LifecycleConfigRejected, msg)
}

func (e *Executor) finalize(ctx context.Context, exec *models.Execution) {
	if err := e.deps.Ledger.Finalize(ctx, exec); err != nil {
		slog.Warn("Failed to finalize execution", "execution_id", exec.ID, "error", err)
	}
	if e.deps.Sink != nil {
		e.deps.Sink.ObserveExecution(exec.AgentID, string(exec.Status))
	}
}

// observeLatency feeds the SLO tracker on terminal outcomes.
func (e *Executor) observeLatency(agentID string, item *models.WorkItem) {
	latency := time.Since(item.EnqueuedAt)
	if e.deps.Sink != nil {
		e.deps.Sink.ObserveLatency(agentID, latency.Seconds())
	}
	if e.deps.SLO.Observe(agentID, latency) {
		slog.Warn("Agent p95 latency exceeds target", "agent_id", agentID, "p95", e.deps.SLO.P95(agentID))
		if e.deps.Sink != nil {
			e.deps.Sink.ObserveSLOViolation(agentID)
		}
	}
}

func (e *Executor) recordBreaker(key resilience.BreakerKey, success bool) {
	state := e.deps.Breakers.Record(key, success)
	if e.deps.Sink != nil {
		e.deps.Sink.SetBreakerState(key.AgentID, key.Provider, key.Model, float64(state))
	}
}

func renderTemplate(src string, renderCtx map[string]any) (string, error) {
	tmpl, err := prompt.Parse(src)
	if err != nil {
		return "", err
	}
	return tmpl.Render(renderCtx)
}

// retryDelay is retry_delay · 2^(attempt-1) capped at 60s; rate-limited
// failures double it so the provider gets room to recover.
func retryDelay(base time.Duration, attempt int, tag models.ErrorTag) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	d := base << uint(shift)
	if tag == models.TagModelRateLimited {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// admissionDelay is retry_delay · 2^attempt capped at 60s. Admission
// rejections never consume an attempt, so the exponent leads by one to
// spread redeliveries of long-gated items.
func admissionDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	shift := attempt
	if shift > 10 {
		shift = 10
	}
	d := base << uint(shift)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
