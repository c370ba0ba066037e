package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the terminal (or in-flight) state of one delivery attempt
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
	StatusDLQ       ExecutionStatus = "dlq"
)

// LifecycleState records why an execution ended where it did
type LifecycleState string

const (
	LifecycleExecuted        LifecycleState = "executed"
	LifecycleLoopGuard       LifecycleState = "loop_guard_skipped"
	LifecycleIdempotent      LifecycleState = "idempotent_replay"
	LifecycleAgentGone       LifecycleState = "agent_gone"
	LifecyclePolicyBlocked   LifecycleState = "policy_blocked"
	LifecycleRetryScheduled  LifecycleState = "retry_scheduled"
	LifecycleDeadLettered    LifecycleState = "dead_lettered"
	LifecycleFeedReset       LifecycleState = "feed_reset"
	LifecycleConfigRejected  LifecycleState = "config_rejected"
	LifecycleStaleAgentWrite LifecycleState = "stale_agent"
)

// ErrorTag classifies every terminal failure; each tag maps to exactly one
// disposition (retry, dead-letter, skip, or nack without attempt increment).
type ErrorTag string

const (
	TagConfigurationError  ErrorTag = "configuration_error"
	TagFilterError         ErrorTag = "filter_error"
	TagModelTimeout        ErrorTag = "model_timeout"
	TagModelRateLimited    ErrorTag = "model_rate_limited"
	TagModel5xx            ErrorTag = "model_5xx"
	TagModel4xx            ErrorTag = "model_4xx"
	TagParseError          ErrorTag = "parse_error"
	TagWriteConflict       ErrorTag = "write_conflict"
	TagWriteError          ErrorTag = "write_error"
	TagTransientWriteError ErrorTag = "transient_write_error"
	TagAgentGone           ErrorTag = "agent_gone"
	TagQuarantined         ErrorTag = "quarantined"
)

// Retryable reports whether the tag schedules a redelivery before
// dead-lettering. model_rate_limited retries with elongated backoff;
// model_4xx (non-429) dead-letters directly.
func (t ErrorTag) Retryable() bool {
	switch t {
	case TagModelTimeout, TagModelRateLimited, TagModel5xx, TagParseError, TagTransientWriteError:
		return true
	default:
		return false
	}
}

// ExecError pairs a taxonomy tag with its message
type ExecError struct {
	Tag     ErrorTag `bson:"tag" json:"tag"`
	Message string   `bson:"message" json:"message"`
}

// Execution is the write-once ledger entry for a single delivery attempt.
// Recorded as running on claim and finalized exactly once at a terminal
// status.
type Execution struct {
	ID             string          `bson:"id" json:"id"`
	AgentID        string          `bson:"agent_id" json:"agent_id"`
	AgentRevision  int64           `bson:"agent_revision" json:"agent_revision"`
	DocumentID     string          `bson:"document_id" json:"document_id"`
	WorkItemID     string          `bson:"work_item_id,omitempty" json:"work_item_id,omitempty"`
	Status         ExecutionStatus `bson:"status" json:"status"`
	LifecycleState LifecycleState  `bson:"lifecycle_state,omitempty" json:"lifecycle_state,omitempty"`
	Attempt        int             `bson:"attempt" json:"attempt"`

	StartedAt   time.Time  `bson:"started_at" json:"started_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	DurationMS  int64      `bson:"duration_ms,omitempty" json:"duration_ms,omitempty"`

	TokensUsed int     `bson:"tokens_used,omitempty" json:"tokens_used,omitempty"`
	CostUSD    float64 `bson:"cost_usd,omitempty" json:"cost_usd,omitempty"`
	Written    bool    `bson:"written" json:"written"`

	Error      *ExecError `bson:"error,omitempty" json:"error,omitempty"`
	SkipReason string     `bson:"skip_reason,omitempty" json:"skip_reason,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// NewExecution opens a running ledger entry for a claimed work item
func NewExecution(item *WorkItem) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:            uuid.NewString(),
		AgentID:       item.AgentID,
		AgentRevision: item.AgentRevision,
		DocumentID:    item.DocumentIDString(),
		WorkItemID:    item.ID,
		Status:        StatusRunning,
		Attempt:       item.Attempt,
		StartedAt:     now,
		CreatedAt:     now,
	}
}

// Finalize stamps a terminal status and duration onto the execution
func (e *Execution) Finalize(status ExecutionStatus, state LifecycleState) *Execution {
	now := time.Now().UTC()
	e.Status = status
	e.LifecycleState = state
	e.CompletedAt = &now
	e.DurationMS = now.Sub(e.StartedAt).Milliseconds()
	return e
}

// Fail finalizes with a failed status and the given taxonomy error
func (e *Execution) Fail(tag ErrorTag, msg string) *Execution {
	e.Error = &ExecError{Tag: tag, Message: msg}
	return e.Finalize(StatusFailed, LifecycleExecuted)
}

// Skip finalizes with a skipped status and reason
func (e *Execution) Skip(state LifecycleState, reason string) *Execution {
	e.SkipReason = reason
	return e.Finalize(StatusSkipped, state)
}

// AgentStats aggregates ledger counts for the status surface
type AgentStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	DLQ       int64 `json:"dlq"`
}
