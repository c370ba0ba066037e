package config

import "time"

// WatcherConfig tunes the change feed subscriptions and resume token
// persistence.
type WatcherConfig struct {
	// HandoffBuffer is the depth of the watcher→dispatcher channel. A full
	// buffer blocks the feed read, which is the designed back-pressure path.
	HandoffBuffer int `yaml:"handoff_buffer"`

	// MaxAwaitTime is how long a feed read blocks server-side waiting for
	// new events.
	MaxAwaitTime Duration `yaml:"max_await_time"`

	// TokenPersistInterval bounds how long an acknowledged position may
	// stay unflushed to the resume_tokens collection.
	TokenPersistInterval Duration `yaml:"token_persist_interval"`

	// ReconcileInterval is how often desired namespaces are diffed against
	// running subscriptions.
	ReconcileInterval Duration `yaml:"reconcile_interval"`

	// ReconnectBackoffBase and ReconnectBackoffMax bound the exponential
	// backoff applied to feed errors.
	ReconnectBackoffBase Duration `yaml:"reconnect_backoff_base"`
	ReconnectBackoffMax  Duration `yaml:"reconnect_backoff_max"`
}

// DefaultWatcherConfig returns the built-in watcher defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		HandoffBuffer:        256,
		MaxAwaitTime:         Duration(5 * time.Second),
		TokenPersistInterval: Duration(1 * time.Second),
		ReconcileInterval:    Duration(5 * time.Second),
		ReconnectBackoffBase: Duration(200 * time.Millisecond),
		ReconnectBackoffMax:  Duration(30 * time.Second),
	}
}

// DispatcherConfig tunes event fan-out
type DispatcherConfig struct {
	// EnqueueBackoffBase and EnqueueBackoffMax bound the retry backoff for
	// queue produce failures. Retries never give up: an unackable event
	// must hold the feed position.
	EnqueueBackoffBase Duration `yaml:"enqueue_backoff_base"`
	EnqueueBackoffMax  Duration `yaml:"enqueue_backoff_max"`
}

// DefaultDispatcherConfig returns the built-in dispatcher defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		EnqueueBackoffBase: Duration(100 * time.Millisecond),
		EnqueueBackoffMax:  Duration(5 * time.Second),
	}
}
