package config

import "time"

// QueueConfig contains stream naming and delivery-recovery settings.
// Streams are named <stream_prefix><agent_id>, dead letters go to
// <stream_prefix><agent_id><dlq_suffix>.
type QueueConfig struct {
	StreamPrefix string `yaml:"stream_prefix"`
	DLQSuffix    string `yaml:"dlq_suffix"`

	// Group is the consumer group shared by all workers.
	Group string `yaml:"group"`

	// StreamMaxLen caps each agent stream (approximate trim on produce).
	StreamMaxLen int64 `yaml:"stream_max_len"`

	// DLQMaxLen caps each dead-letter stream.
	DLQMaxLen int64 `yaml:"dlq_max_len"`

	// ConsumeBlock is how long one consume call blocks waiting for items.
	ConsumeBlock Duration `yaml:"consume_block"`

	// ClaimInterval is how often each worker scans for pending items whose
	// consumer died mid-flight.
	ClaimInterval Duration `yaml:"claim_interval"`

	// ClaimBatch is the maximum items claimed per scan.
	ClaimBatch int `yaml:"claim_batch"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		StreamPrefix:  "agent:",
		DLQSuffix:     ":dlq",
		Group:         "workers",
		StreamMaxLen:  100000,
		DLQMaxLen:     10000,
		ConsumeBlock:  Duration(1 * time.Second),
		ClaimInterval: Duration(30 * time.Second),
		ClaimBatch:    16,
	}
}

// WorkerConfig contains worker pool settings
type WorkerConfig struct {
	// Count is the number of worker goroutines in this process.
	Count int `yaml:"count"`

	// ShutdownTimeout is the hard deadline for in-flight items on drain.
	// Items still unacked after it replay through pending-claim recovery.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// LockGrace is added to the agent timeout for the strong-mode
	// per-document advisory lock TTL.
	LockGrace Duration `yaml:"lock_grace"`
}

// DefaultWorkerConfig returns the built-in worker pool defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Count:           10,
		ShutdownTimeout: Duration(30 * time.Second),
		LockGrace:       Duration(5 * time.Second),
	}
}
