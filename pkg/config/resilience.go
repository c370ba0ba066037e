package config

import "time"

// ResilienceConfig tunes the circuit breaker, cost accounting, quarantine,
// and latency SLO tracking. Per-agent limits (rate, cost ceiling, retries)
// live on the agent definition; these are the engine-wide parameters.
type ResilienceConfig struct {
	// BreakerWindow is the rolling outcome window per (agent, provider,
	// model) key.
	BreakerWindow int `yaml:"breaker_window"`

	// BreakerErrorThreshold opens the breaker when exceeded, given at least
	// BreakerMinSamples outcomes in the window.
	BreakerErrorThreshold float64 `yaml:"breaker_error_threshold"`
	BreakerMinSamples     int     `yaml:"breaker_min_samples"`

	// BreakerOpenFor is the initial open duration; each failed half-open
	// probe doubles it up to BreakerMaxOpenFor.
	BreakerOpenFor    Duration `yaml:"breaker_open_for"`
	BreakerMaxOpenFor Duration `yaml:"breaker_max_open_for"`

	// CostWindow is the rolling window for per-agent spend accounting.
	CostWindow Duration `yaml:"cost_window"`

	// QuarantineThreshold is the count of consecutive dead-lettered items
	// that quarantines an agent.
	QuarantineThreshold int `yaml:"quarantine_threshold"`

	// SLOTarget is the p95 end-to-end latency target per agent, evaluated
	// over SLOWindow.
	SLOTarget Duration `yaml:"slo_target"`
	SLOWindow Duration `yaml:"slo_window"`
}

// DefaultResilienceConfig returns the built-in resilience defaults.
func DefaultResilienceConfig() *ResilienceConfig {
	return &ResilienceConfig{
		BreakerWindow:         60,
		BreakerErrorThreshold: 0.5,
		BreakerMinSamples:     10,
		BreakerOpenFor:        Duration(30 * time.Second),
		BreakerMaxOpenFor:     Duration(5 * time.Minute),
		CostWindow:            Duration(1 * time.Hour),
		QuarantineThreshold:   20,
		SLOTarget:             Duration(30 * time.Second),
		SLOWindow:             Duration(5 * time.Minute),
	}
}
