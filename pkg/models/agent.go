package models

import (
	"time"
)

// ChangeOperation is a document store mutation type an agent can watch.
type ChangeOperation string

const (
	OperationInsert  ChangeOperation = "insert"
	OperationUpdate  ChangeOperation = "update"
	OperationReplace ChangeOperation = "replace"
	OperationDelete  ChangeOperation = "delete"
)

// IsValid checks if the change operation is valid
func (o ChangeOperation) IsValid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return true
	default:
		return false
	}
}

// WriteStrategy defines how a model result is written back to the document
type WriteStrategy string

const (
	// StrategyMerge merges the result value into target_field, preserving siblings
	StrategyMerge WriteStrategy = "merge"
	// StrategyReplace overwrites target_field atomically
	StrategyReplace WriteStrategy = "replace"
	// StrategyAppend pushes the result onto an array at target_field
	StrategyAppend WriteStrategy = "append"
)

// IsValid checks if the write strategy is valid
func (s WriteStrategy) IsValid() bool {
	return s == StrategyMerge || s == StrategyReplace || s == StrategyAppend
}

// ConsistencyMode controls per-document ordering during execution
type ConsistencyMode string

const (
	// ConsistencyEventual takes no lock; writes are commutative at the idempotency layer
	ConsistencyEventual ConsistencyMode = "eventual"
	// ConsistencyStrong serializes executions per (agent, document) via an advisory lock
	ConsistencyStrong ConsistencyMode = "strong"
)

// IsValid checks if the consistency mode is valid
func (m ConsistencyMode) IsValid() bool {
	return m == ConsistencyEventual || m == ConsistencyStrong
}

// PolicyAction is what the post-parse guardrail does with a model result
type PolicyAction string

const (
	// PolicyEnrich writes the result normally (default)
	PolicyEnrich PolicyAction = "enrich"
	// PolicyBlock suppresses the write entirely
	PolicyBlock PolicyAction = "block"
	// PolicyTag writes only a fixed tag field instead of the result
	PolicyTag PolicyAction = "tag"
)

// IsValid checks if the policy action is valid
func (a PolicyAction) IsValid() bool {
	return a == PolicyEnrich || a == PolicyBlock || a == PolicyTag
}

// Agent is a declarative pipeline definition: watch a collection, prompt a
// model, write the response back. Stored in the agents collection; revision
// is bumped on every mutation so in-flight work referencing an older
// revision can be detected and skipped.
type Agent struct {
	ID       string   `bson:"id" json:"id"`
	Name     string   `bson:"name" json:"name"`
	Enabled  bool     `bson:"enabled" json:"enabled"`
	Tags     []string `bson:"tags,omitempty" json:"tags,omitempty"`
	Revision int64    `bson:"revision" json:"revision"`

	Watch     WatchSpec     `bson:"watch" json:"watch"`
	AI        AISpec        `bson:"ai" json:"ai"`
	Write     WriteSpec     `bson:"write" json:"write"`
	Execution ExecutionSpec `bson:"execution" json:"execution"`
	Policy    *PolicySpec   `bson:"policy,omitempty" json:"policy,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// WatchSpec selects the change events an agent reacts to
type WatchSpec struct {
	Database   string            `bson:"database" json:"database"`
	Collection string            `bson:"collection" json:"collection"`
	Operations []ChangeOperation `bson:"operations" json:"operations"`
	// Filter is a restricted query expression matched against the post-image.
	// Nil matches everything.
	Filter map[string]any `bson:"filter,omitempty" json:"filter,omitempty"`
}

// Namespace returns the watched database.collection pair
func (w WatchSpec) Namespace() string {
	return w.Database + "." + w.Collection
}

// WatchesOperation reports whether op is in the agent's operation set
func (w WatchSpec) WatchesOperation(op ChangeOperation) bool {
	for _, o := range w.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// AISpec configures the model call
type AISpec struct {
	Provider     string  `bson:"provider" json:"provider"`
	Model        string  `bson:"model" json:"model"`
	Prompt       string  `bson:"prompt" json:"prompt"`
	SystemPrompt string  `bson:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Temperature  float64 `bson:"temperature" json:"temperature"`
	MaxTokens    int     `bson:"max_tokens" json:"max_tokens"`
	// ResponseSchema, when set, forces JSON parsing and schema validation
	// of the model output.
	ResponseSchema map[string]any `bson:"response_schema,omitempty" json:"response_schema,omitempty"`
}

// DefaultIdempotencyKeyTemplate derives the dedup key from the document,
// the agent, and the agent revision, so bumping an agent re-opens writes.
const DefaultIdempotencyKeyTemplate = "{{document_id}}:{{agent_id}}:{{agent_revision}}"

// WriteSpec configures the write-back of the model result
type WriteSpec struct {
	Strategy    WriteStrategy `bson:"strategy" json:"strategy"`
	TargetField string        `bson:"target_field" json:"target_field"`
	// IdempotencyKey is a template; empty means DefaultIdempotencyKeyTemplate.
	IdempotencyKey  string `bson:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	IncludeMetadata bool   `bson:"include_metadata" json:"include_metadata"`
}

// IdempotencyKeyTemplate returns the configured key template or the default
func (w WriteSpec) IdempotencyKeyTemplate() string {
	if w.IdempotencyKey == "" {
		return DefaultIdempotencyKeyTemplate
	}
	return w.IdempotencyKey
}

// ExecutionSpec bounds the runtime behavior of an agent
type ExecutionSpec struct {
	MaxRetries          int             `bson:"max_retries" json:"max_retries"`
	RetryDelay          Millis          `bson:"retry_delay_ms" json:"retry_delay_ms"`
	Timeout             Millis          `bson:"timeout_ms" json:"timeout_ms"`
	RateLimitPerMinute  int             `bson:"rate_limit_per_minute,omitempty" json:"rate_limit_per_minute,omitempty"`
	CostLimitUSDPerHour float64         `bson:"cost_limit_usd_per_hour,omitempty" json:"cost_limit_usd_per_hour,omitempty"`
	ConsistencyMode     ConsistencyMode `bson:"consistency_mode" json:"consistency_mode"`
}

// MaxAttempts returns the total delivery attempts before an item is
// dead-lettered: the first attempt plus max_retries redeliveries.
func (e ExecutionSpec) MaxAttempts() int {
	return e.MaxRetries + 1
}

// PolicySpec is an optional guardrail evaluated between parse and write.
// Condition is a filter expression over {document, result}; a true condition
// triggers Action. Simulation logs the would-be action but writes normally.
type PolicySpec struct {
	Condition  map[string]any `bson:"condition" json:"condition"`
	Action     PolicyAction   `bson:"action" json:"action"`
	TagField   string         `bson:"tag_field,omitempty" json:"tag_field,omitempty"`
	TagValue   string         `bson:"tag_value,omitempty" json:"tag_value,omitempty"`
	Simulation bool           `bson:"simulation,omitempty" json:"simulation,omitempty"`
}

// AgentSummary is the list-view projection of an Agent
type AgentSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	Revision   int64     `json:"revision"`
	Database   string    `json:"database"`
	Collection string    `json:"collection"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Summary converts an Agent to its list-view projection
func (a *Agent) Summary() AgentSummary {
	return AgentSummary{
		ID:         a.ID,
		Name:       a.Name,
		Enabled:    a.Enabled,
		Revision:   a.Revision,
		Database:   a.Watch.Database,
		Collection: a.Watch.Collection,
		Provider:   a.AI.Provider,
		Model:      a.AI.Model,
		UpdatedAt:  a.UpdatedAt,
	}
}
