package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Router selects the provider client for each invocation and fronts it with
// the optional response cache. Implements ModelClient itself so the worker
// needs no provider awareness.
type Router struct {
	clients map[string]ModelClient
	cache   *ResponseCache
}

// NewRouter constructs provider clients from configuration. Providers whose
// API key environment variable is unset are skipped with a warning: agents
// referencing them fail admission as configuration errors rather than
// crashing the process.
func NewRouter(cfg *config.ProvidersConfig, cache *ResponseCache) (*Router, error) {
	clients := make(map[string]ModelClient)

	if cfg.Anthropic != nil {
		if key := os.Getenv(cfg.Anthropic.APIKeyEnv); key != "" {
			client, err := NewAnthropicClient(key, cfg.Anthropic)
			if err != nil {
				return nil, fmt.Errorf("failed to build anthropic client: %w", err)
			}
			clients["anthropic"] = client
		} else {
			slog.Warn("Anthropic provider disabled, API key not set", "env", cfg.Anthropic.APIKeyEnv)
		}
	}
	if cfg.OpenAI != nil {
		if key := os.Getenv(cfg.OpenAI.APIKeyEnv); key != "" {
			client, err := NewOpenAIClient(key, cfg.OpenAI)
			if err != nil {
				return nil, fmt.Errorf("failed to build openai client: %w", err)
			}
			clients["openai"] = client
		} else {
			slog.Warn("OpenAI provider disabled, API key not set", "env", cfg.OpenAI.APIKeyEnv)
		}
	}

	return &Router{clients: clients, cache: cache}, nil
}

// NewRouterWithClients wires explicit provider clients (tests, fakes).
func NewRouterWithClients(clients map[string]ModelClient, cache *ResponseCache) *Router {
	return &Router{clients: clients, cache: cache}
}

// Providers lists the configured provider names.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Invoke routes the request to its provider, consulting the cache first.
// An unknown provider is a configuration error: the agent references a
// provider this deployment does not carry.
func (r *Router) Invoke(ctx context.Context, req *Request) (*Response, error) {
	client, ok := r.clients[req.Provider]
	if !ok {
		return nil, newInvokeError(models.TagConfigurationError,
			fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider))
	}

	if r.cache != nil {
		if resp, hit := r.cache.Lookup(ctx, req); hit {
			return resp, nil
		}
	}

	resp, err := client.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Store(ctx, req, resp)
	}
	return resp, nil
}
