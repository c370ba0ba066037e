// Package policy evaluates the optional per-agent guardrail between response
// parsing and write-back. A policy is a filter condition over the combined
// {document, result} context; when it matches, the configured action decides
// what (if anything) reaches the document.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/mongoclaw/mongoclaw/pkg/match"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Decision is the outcome of evaluating an agent's policy against one result.
type Decision struct {
	// Write is false when the policy blocks the write entirely.
	Write bool
	// TargetField overrides the agent's target field when non-empty (the
	// tag action redirects the write).
	TargetField string
	// Value is what to write; the parsed result unless the action replaced it.
	Value any
	// Matched reports whether the condition held.
	Matched bool
	// Simulated is true when a matching action was logged but not enforced.
	Simulated bool
	// Reason names the enforcement, for the Execution record ("policy_blocked").
	Reason string
}

// Evaluate applies the agent's policy, if any, to the parsed result.
// evalCtx is the prompt context extended with the result. Conditions were
// parse-checked at agent validation, so a parse failure here means the
// stored agent is corrupt and surfaces as a configuration error upstream.
func Evaluate(agent *models.Agent, evalCtx map[string]any, result any, logger *slog.Logger) (*Decision, error) {
	enrich := &Decision{Write: true, Value: result}
	if agent.Policy == nil {
		return enrich, nil
	}

	filter, err := match.Parse(agent.Policy.Condition)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy condition: %w", err)
	}
	matched, err := filter.Matches(evalCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy condition: %w", err)
	}
	if !matched {
		return enrich, nil
	}

	action := agent.Policy.Action
	if action == "" {
		action = models.PolicyEnrich
	}

	if agent.Policy.Simulation {
		logger.Info("policy matched in simulation, writing normally",
			slog.String("agent_id", agent.ID),
			slog.String("action", string(action)))
		return &Decision{Write: true, Value: result, Matched: true, Simulated: true}, nil
	}

	switch action {
	case models.PolicyEnrich:
		return &Decision{Write: true, Value: result, Matched: true}, nil
	case models.PolicyBlock:
		logger.Info("policy blocked write",
			slog.String("agent_id", agent.ID))
		return &Decision{Write: false, Matched: true, Reason: "policy_blocked"}, nil
	case models.PolicyTag:
		logger.Info("policy tagged document",
			slog.String("agent_id", agent.ID),
			slog.String("tag_field", agent.Policy.TagField))
		return &Decision{
			Write:       true,
			TargetField: agent.Policy.TagField,
			Value:       agent.Policy.TagValue,
			Matched:     true,
		}, nil
	default:
		return nil, fmt.Errorf("unknown policy action %q", action)
	}
}
