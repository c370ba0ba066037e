// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors hang off a Sink that subsystems record into; the Sink owns its
// registry so tests can run isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mongoclaw"

// Sink is a prometheus.Collector that collects metrics about the event
// pipeline: change intake, executions, retries, queue depths, and the
// resilience machinery.
type Sink struct {
	registry *prometheus.Registry

	changeEvents   *prometheus.CounterVec
	executions     *prometheus.CounterVec
	loopGuardSkips *prometheus.CounterVec
	retries        *prometheus.CounterVec
	sloViolations  *prometheus.CounterVec
	modelTokens    *prometheus.CounterVec

	queuePending     *prometheus.GaugeVec
	dlqSize          *prometheus.GaugeVec
	quarantineActive *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec

	agentLatency *prometheus.HistogramVec
	modelCost    *prometheus.HistogramVec
}

// NewSink returns a Sink with a private registry carrying the engine
// collectors plus the standard Go and process collectors.
func NewSink() *Sink {
	s := &Sink{
		changeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_events_total",
				Help:      "Change feed events received, by namespace and operation.",
			}, []string{"database", "collection", "operation"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions finalized, by agent and terminal status.",
			}, []string{"agent_id", "status"},
		),
		loopGuardSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_guard_skips_total",
				Help:      "Events skipped because the post-image already carried the agent's own write.",
			}, []string{"agent_id"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Retries scheduled, by agent and error tag.",
			}, []string{"agent_id", "error_tag"},
		),
		sloViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_latency_slo_violations_total",
				Help:      "Sustained p95 latency SLO violation episodes.",
			}, []string{"agent_id"},
		),
		modelTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_tokens_total",
				Help:      "Model tokens consumed, by agent, provider, model, and direction.",
			}, []string{"agent_id", "provider", "model", "direction"},
		),
		queuePending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_pending",
				Help:      "Work items waiting or in flight on the agent stream.",
			}, []string{"agent_id"},
		),
		dlqSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dlq_size",
				Help:      "Dead-letter stream depth per agent.",
			}, []string{"agent_id"},
		),
		quarantineActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quarantine_active",
				Help:      "1 while the agent is quarantined.",
			}, []string{"agent_id"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Breaker state per (agent, provider, model): 0 closed, 1 half-open, 2 open.",
			}, []string{"agent_id", "provider", "model"},
		),
		agentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_latency_seconds",
				Help:      "End-to-end execution latency from enqueue to terminal state.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"agent_id"},
		),
		modelCost: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_cost_usd",
				Help:      "Cost per model invocation in USD.",
				Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"agent_id", "provider", "model"},
		),
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(s,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return s
}

// Describe is part of the prometheus.Collector interface.
func (s *Sink) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range s.collectors() {
		c.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (s *Sink) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s.collectors() {
		c.Collect(ch)
	}
}

func (s *Sink) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.changeEvents, s.executions, s.loopGuardSkips, s.retries,
		s.sloViolations, s.modelTokens, s.queuePending, s.dlqSize,
		s.quarantineActive, s.breakerState, s.agentLatency, s.modelCost,
	}
}

// Handler serves the registry for the pull endpoint
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveChangeEvent counts one change feed event
func (s *Sink) ObserveChangeEvent(database, collection, operation string) {
	s.changeEvents.WithLabelValues(database, collection, operation).Inc()
}

// ObserveExecution counts one finalized execution
func (s *Sink) ObserveExecution(agentID, status string) {
	s.executions.WithLabelValues(agentID, status).Inc()
}

// ObserveLoopGuardSkip counts one loop-guard suppression
func (s *Sink) ObserveLoopGuardSkip(agentID string) {
	s.loopGuardSkips.WithLabelValues(agentID).Inc()
}

// ObserveRetryScheduled counts one scheduled retry
func (s *Sink) ObserveRetryScheduled(agentID, errorTag string) {
	s.retries.WithLabelValues(agentID, errorTag).Inc()
}

// ObserveSLOViolation counts one sustained latency violation episode
func (s *Sink) ObserveSLOViolation(agentID string) {
	s.sloViolations.WithLabelValues(agentID).Inc()
}

// ObserveModelUsage records tokens and cost for one model invocation
func (s *Sink) ObserveModelUsage(agentID, provider, model string, tokensIn, tokensOut int, costUSD float64) {
	s.modelTokens.WithLabelValues(agentID, provider, model, "in").Add(float64(tokensIn))
	s.modelTokens.WithLabelValues(agentID, provider, model, "out").Add(float64(tokensOut))
	s.modelCost.WithLabelValues(agentID, provider, model).Observe(costUSD)
}

// ObserveLatency records end-to-end execution latency
func (s *Sink) ObserveLatency(agentID string, seconds float64) {
	s.agentLatency.WithLabelValues(agentID).Observe(seconds)
}

// SetQueueDepth refreshes the pending gauge for one agent stream
func (s *Sink) SetQueueDepth(agentID string, depth int64) {
	s.queuePending.WithLabelValues(agentID).Set(float64(depth))
}

// SetDLQDepth refreshes the dead-letter gauge for one agent
func (s *Sink) SetDLQDepth(agentID string, depth int64) {
	s.dlqSize.WithLabelValues(agentID).Set(float64(depth))
}

// SetQuarantine flips the quarantine gauge for one agent
func (s *Sink) SetQuarantine(agentID string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	s.quarantineActive.WithLabelValues(agentID).Set(v)
}

// SetBreakerState publishes the breaker state for one (agent, provider, model)
func (s *Sink) SetBreakerState(agentID, provider, model string, state float64) {
	s.breakerState.WithLabelValues(agentID, provider, model).Set(state)
}

// ForgetAgent drops the per-agent series after an agent is deleted
func (s *Sink) ForgetAgent(agentID string) {
	labels := prometheus.Labels{"agent_id": agentID}
	s.queuePending.DeletePartialMatch(labels)
	s.dlqSize.DeletePartialMatch(labels)
	s.quarantineActive.DeletePartialMatch(labels)
	s.breakerState.DeletePartialMatch(labels)
}
