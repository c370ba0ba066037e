package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateMongo(); err != nil {
		return err
	}
	if err := v.validateRedis(); err != nil {
		return err
	}
	if err := v.validateProviders(); err != nil {
		return err
	}
	if err := v.validateWatcher(); err != nil {
		return err
	}
	if err := v.validateDispatcher(); err != nil {
		return err
	}
	if err := v.validateQueue(); err != nil {
		return err
	}
	if err := v.validateWorker(); err != nil {
		return err
	}
	if err := v.validateResilience(); err != nil {
		return err
	}
	if err := v.validateAPI(); err != nil {
		return err
	}
	return v.validateObservability()
}

func (v *ConfigValidator) validateMongo() error {
	m := v.cfg.MongoDB
	if m.URI == "" {
		return NewValidationError("mongodb", "uri", ErrMissingRequiredField)
	}
	if m.Database == "" {
		return NewValidationError("mongodb", "database", ErrMissingRequiredField)
	}
	for field, name := range map[string]string{
		"agents_collection":        m.AgentsCollection,
		"executions_collection":    m.ExecutionsCollection,
		"resume_tokens_collection": m.ResumeTokensCollection,
		"idempotency_collection":   m.IdempotencyCollection,
	} {
		if name == "" {
			return NewValidationError("mongodb", field, ErrMissingRequiredField)
		}
	}
	if m.ConnectTimeout <= 0 {
		return NewValidationError("mongodb", "connect_timeout", fmt.Errorf("must be positive"))
	}
	if m.ServerSelectionTimeout <= 0 {
		return NewValidationError("mongodb", "server_selection_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRedis() error {
	r := v.cfg.Redis
	if r.Addr == "" {
		return NewValidationError("redis", "addr", ErrMissingRequiredField)
	}
	if r.DB < 0 {
		return NewValidationError("redis", "db", fmt.Errorf("must be non-negative"))
	}
	if r.PoolSize < 1 {
		return NewValidationError("redis", "pool_size", fmt.Errorf("must be at least 1"))
	}
	if r.DialTimeout <= 0 {
		return NewValidationError("redis", "dial_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	p := v.cfg.Providers
	for name, provider := range map[string]*ProviderConfig{
		"anthropic": p.Anthropic,
		"openai":    p.OpenAI,
	} {
		if provider == nil {
			continue
		}
		if provider.APIKeyEnv == "" {
			return NewValidationError("providers", name+".api_key_env", ErrMissingRequiredField)
		}
		for model, price := range provider.Prices {
			if price.InputPerMTok < 0 || price.OutputPerMTok < 0 {
				return NewValidationError("providers", name+".prices."+model, fmt.Errorf("prices must be non-negative"))
			}
		}
	}
	if p.Cache != nil && p.Cache.Enabled && p.Cache.TTL <= 0 {
		return NewValidationError("providers", "cache.ttl", fmt.Errorf("must be positive when cache is enabled"))
	}
	return nil
}

func (v *ConfigValidator) validateWatcher() error {
	w := v.cfg.Watcher
	if w.HandoffBuffer < 1 {
		return NewValidationError("watcher", "handoff_buffer", fmt.Errorf("must be at least 1"))
	}
	if w.MaxAwaitTime <= 0 {
		return NewValidationError("watcher", "max_await_time", fmt.Errorf("must be positive"))
	}
	if w.TokenPersistInterval <= 0 {
		return NewValidationError("watcher", "token_persist_interval", fmt.Errorf("must be positive"))
	}
	if w.ReconcileInterval <= 0 {
		return NewValidationError("watcher", "reconcile_interval", fmt.Errorf("must be positive"))
	}
	if w.ReconnectBackoffBase <= 0 {
		return NewValidationError("watcher", "reconnect_backoff_base", fmt.Errorf("must be positive"))
	}
	if w.ReconnectBackoffMax < w.ReconnectBackoffBase {
		return NewValidationError("watcher", "reconnect_backoff_max", fmt.Errorf("must be at least reconnect_backoff_base"))
	}
	return nil
}

func (v *ConfigValidator) validateDispatcher() error {
	d := v.cfg.Dispatcher
	if d.EnqueueBackoffBase <= 0 {
		return NewValidationError("dispatcher", "enqueue_backoff_base", fmt.Errorf("must be positive"))
	}
	if d.EnqueueBackoffMax < d.EnqueueBackoffBase {
		return NewValidationError("dispatcher", "enqueue_backoff_max", fmt.Errorf("must be at least enqueue_backoff_base"))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.StreamPrefix == "" {
		return NewValidationError("queue", "stream_prefix", ErrMissingRequiredField)
	}
	if q.DLQSuffix == "" {
		return NewValidationError("queue", "dlq_suffix", ErrMissingRequiredField)
	}
	if q.Group == "" {
		return NewValidationError("queue", "group", ErrMissingRequiredField)
	}
	if q.StreamMaxLen < 1 {
		return NewValidationError("queue", "stream_max_len", fmt.Errorf("must be at least 1"))
	}
	if q.DLQMaxLen < 1 {
		return NewValidationError("queue", "dlq_max_len", fmt.Errorf("must be at least 1"))
	}
	if q.ConsumeBlock <= 0 {
		return NewValidationError("queue", "consume_block", fmt.Errorf("must be positive"))
	}
	if q.ClaimInterval <= 0 {
		return NewValidationError("queue", "claim_interval", fmt.Errorf("must be positive"))
	}
	if q.ClaimBatch < 1 {
		return NewValidationError("queue", "claim_batch", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateWorker() error {
	w := v.cfg.Worker
	if w.Count < 1 {
		return NewValidationError("worker", "count", fmt.Errorf("must be at least 1"))
	}
	if w.ShutdownTimeout <= 0 {
		return NewValidationError("worker", "shutdown_timeout", fmt.Errorf("must be positive"))
	}
	if w.LockGrace < 0 {
		return NewValidationError("worker", "lock_grace", fmt.Errorf("must be non-negative"))
	}
	return nil
}

func (v *ConfigValidator) validateResilience() error {
	r := v.cfg.Resilience
	if r.BreakerWindow < 1 {
		return NewValidationError("resilience", "breaker_window", fmt.Errorf("must be at least 1"))
	}
	if r.BreakerErrorThreshold <= 0 || r.BreakerErrorThreshold > 1 {
		return NewValidationError("resilience", "breaker_error_threshold", fmt.Errorf("must be in (0, 1]"))
	}
	if r.BreakerMinSamples < 1 || r.BreakerMinSamples > r.BreakerWindow {
		return NewValidationError("resilience", "breaker_min_samples", fmt.Errorf("must be in [1, breaker_window]"))
	}
	if r.BreakerOpenFor <= 0 {
		return NewValidationError("resilience", "breaker_open_for", fmt.Errorf("must be positive"))
	}
	if r.BreakerMaxOpenFor < r.BreakerOpenFor {
		return NewValidationError("resilience", "breaker_max_open_for", fmt.Errorf("must be at least breaker_open_for"))
	}
	if r.CostWindow <= 0 {
		return NewValidationError("resilience", "cost_window", fmt.Errorf("must be positive"))
	}
	if r.QuarantineThreshold < 1 {
		return NewValidationError("resilience", "quarantine_threshold", fmt.Errorf("must be at least 1"))
	}
	if r.SLOTarget <= 0 {
		return NewValidationError("resilience", "slo_target", fmt.Errorf("must be positive"))
	}
	if r.SLOWindow <= 0 {
		return NewValidationError("resilience", "slo_window", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateAPI() error {
	a := v.cfg.API
	if a.Host == "" {
		return NewValidationError("api", "host", ErrMissingRequiredField)
	}
	if a.Port < 1 || a.Port > 65535 {
		return NewValidationError("api", "port", fmt.Errorf("must be in [1, 65535]"))
	}
	if a.ReadHeaderTimeout <= 0 {
		return NewValidationError("api", "read_header_timeout", fmt.Errorf("must be positive"))
	}
	if a.ShutdownTimeout <= 0 {
		return NewValidationError("api", "shutdown_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateObservability() error {
	o := v.cfg.Observability
	if !o.LogLevel.IsValid() {
		return NewValidationError("observability", "log_level", fmt.Errorf("%w: %s", ErrInvalidValue, o.LogLevel))
	}
	if !o.LogFormat.IsValid() {
		return NewValidationError("observability", "log_format", fmt.Errorf("%w: %s", ErrInvalidValue, o.LogFormat))
	}
	if o.QueueDepthInterval <= 0 {
		return NewValidationError("observability", "queue_depth_interval", fmt.Errorf("must be positive"))
	}
	return nil
}
