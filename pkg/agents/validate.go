package agents

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mongoclaw/mongoclaw/pkg/llm"
	"github.com/mongoclaw/mongoclaw/pkg/match"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/prompt"
)

// agentIDPattern bounds agent ids to a shape safe for stream names, metric
// labels, and URLs.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*[a-z0-9]$`)

// reservedIDs cannot be claimed by user agents.
var reservedIDs = map[string]bool{
	"system": true, "admin": true, "root": true, "default": true, "all": true,
}

// ValidationError reports one invalid agent field.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns formatted error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent definition: %s: %s", e.Field, e.Message)
}

// newValidationError creates a field-level validation error.
func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validate checks an agent definition before it is persisted. Everything
// that can be rejected here never reaches the pipeline: filters, templates,
// and schemas are compiled so a parse failure is a creation-time error, not
// a per-event configuration_error.
func Validate(agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent definition is nil")
	}
	if err := validateID(agent.ID); err != nil {
		return err
	}
	if err := validateWatch(&agent.Watch); err != nil {
		return err
	}
	if err := validateAI(&agent.AI); err != nil {
		return err
	}
	if err := validateWrite(&agent.Write); err != nil {
		return err
	}
	if err := validateExecution(&agent.Execution); err != nil {
		return err
	}
	if agent.Policy != nil {
		if err := validatePolicy(agent.Policy); err != nil {
			return err
		}
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return newValidationError("id", "must not be empty")
	}
	if len(id) > 64 {
		return newValidationError("id", "must be at most 64 characters")
	}
	if !agentIDPattern.MatchString(id) {
		return newValidationError("id", "must match ^[a-z0-9][a-z0-9_-]*[a-z0-9]$")
	}
	if reservedIDs[id] {
		return newValidationError("id", fmt.Sprintf("%q is reserved", id))
	}
	return nil
}

func validateWatch(w *models.WatchSpec) error {
	if w.Database == "" {
		return newValidationError("watch.database", "must not be empty")
	}
	if w.Collection == "" {
		return newValidationError("watch.collection", "must not be empty")
	}
	if len(w.Operations) == 0 {
		return newValidationError("watch.operations", "must not be empty")
	}
	seen := make(map[models.ChangeOperation]bool, len(w.Operations))
	for _, op := range w.Operations {
		if !op.IsValid() {
			return newValidationError("watch.operations", fmt.Sprintf("unknown operation %q", op))
		}
		if seen[op] {
			return newValidationError("watch.operations", fmt.Sprintf("duplicate operation %q", op))
		}
		seen[op] = true
	}
	if _, err := match.Parse(w.Filter); err != nil {
		return newValidationError("watch.filter", err.Error())
	}
	return nil
}

func validateAI(ai *models.AISpec) error {
	if ai.Provider == "" {
		return newValidationError("ai.provider", "must not be empty")
	}
	if ai.Model == "" {
		return newValidationError("ai.model", "must not be empty")
	}
	if ai.Prompt == "" {
		return newValidationError("ai.prompt", "must not be empty")
	}
	if ai.Temperature < 0 || ai.Temperature > 2 {
		return newValidationError("ai.temperature", "must be between 0 and 2")
	}
	if ai.MaxTokens < 0 {
		return newValidationError("ai.max_tokens", "must not be negative")
	}
	if _, err := prompt.Parse(ai.Prompt); err != nil {
		return newValidationError("ai.prompt", err.Error())
	}
	if ai.SystemPrompt != "" {
		if _, err := prompt.Parse(ai.SystemPrompt); err != nil {
			return newValidationError("ai.system_prompt", err.Error())
		}
	}
	if _, err := llm.CompileSchema(ai.ResponseSchema); err != nil {
		return newValidationError("ai.response_schema", err.Error())
	}
	return nil
}

func validateWrite(w *models.WriteSpec) error {
	if !w.Strategy.IsValid() {
		return newValidationError("write.strategy", fmt.Sprintf("unknown strategy %q", w.Strategy))
	}
	if w.TargetField == "" {
		return newValidationError("write.target_field", "must not be empty")
	}
	if strings.HasPrefix(w.TargetField, "$") {
		return newValidationError("write.target_field", "must not start with $")
	}
	if w.Strategy == models.StrategyMerge && strings.Contains(w.TargetField, ".") {
		return newValidationError("write.target_field", "merge strategy requires a single top-level field")
	}
	if _, err := prompt.Parse(w.IdempotencyKeyTemplate()); err != nil {
		return newValidationError("write.idempotency_key", err.Error())
	}
	return nil
}

func validateExecution(e *models.ExecutionSpec) error {
	if e.MaxRetries < 0 {
		return newValidationError("execution.max_retries", "must not be negative")
	}
	if e.RetryDelay < 0 {
		return newValidationError("execution.retry_delay_ms", "must not be negative")
	}
	if e.Timeout <= 0 {
		return newValidationError("execution.timeout_ms", "must be positive")
	}
	if e.RateLimitPerMinute < 0 {
		return newValidationError("execution.rate_limit_per_minute", "must not be negative")
	}
	if e.CostLimitUSDPerHour < 0 {
		return newValidationError("execution.cost_limit_usd_per_hour", "must not be negative")
	}
	if e.ConsistencyMode != "" && !e.ConsistencyMode.IsValid() {
		return newValidationError("execution.consistency_mode", fmt.Sprintf("unknown mode %q", e.ConsistencyMode))
	}
	return nil
}

func validatePolicy(p *models.PolicySpec) error {
	if len(p.Condition) == 0 {
		return newValidationError("policy.condition", "must not be empty")
	}
	if _, err := match.Parse(p.Condition); err != nil {
		return newValidationError("policy.condition", err.Error())
	}
	if !p.Action.IsValid() {
		return newValidationError("policy.action", fmt.Sprintf("unknown action %q", p.Action))
	}
	if p.Action == models.PolicyTag && p.TagField == "" {
		return newValidationError("policy.tag_field", "required for the tag action")
	}
	return nil
}
