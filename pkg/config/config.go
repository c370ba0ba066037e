package config

// Config is the umbrella configuration object that encapsulates all
// engine sections. This is the primary object returned by Initialize()
// and threaded through the runtime.
type Config struct {
	path string // Configuration file path (for reference)

	MongoDB       *MongoConfig
	Redis         *RedisConfig
	Providers     *ProvidersConfig
	Watcher       *WatcherConfig
	Dispatcher    *DispatcherConfig
	Queue         *QueueConfig
	Worker        *WorkerConfig
	Resilience    *ResilienceConfig
	API           *APIConfig
	Observability *ObservabilityConfig
}

// Initialize is defined in loader.go

// Path returns the configuration file path; empty when running on defaults
func (c *Config) Path() string {
	return c.path
}

// Default returns a Config with every section at its built-in defaults.
func Default() *Config {
	return &Config{
		MongoDB:       DefaultMongoConfig(),
		Redis:         DefaultRedisConfig(),
		Providers:     DefaultProvidersConfig(),
		Watcher:       DefaultWatcherConfig(),
		Dispatcher:    DefaultDispatcherConfig(),
		Queue:         DefaultQueueConfig(),
		Worker:        DefaultWorkerConfig(),
		Resilience:    DefaultResilienceConfig(),
		API:           DefaultAPIConfig(),
		Observability: DefaultObservabilityConfig(),
	}
}
