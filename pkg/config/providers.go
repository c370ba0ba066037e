package config

import "time"

// ProviderConfig holds credentials and endpoint overrides for one model
// provider. API keys are referenced by environment variable name, never
// inlined.
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	// BaseURL overrides the provider endpoint (proxies, compatible servers).
	BaseURL string `yaml:"base_url"`
	// Prices overrides the built-in per-model price table, keyed by model
	// name. Unlisted models fall back to the built-in table.
	Prices map[string]ModelPrice `yaml:"prices"`
}

// ModelPrice is USD per one million tokens, input and output priced apart
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// ResponseCacheConfig controls the model response cache. Off by default:
// caching trades result freshness for cost and only suits deterministic
// agents (temperature 0).
type ResponseCacheConfig struct {
	Enabled bool     `yaml:"enabled"`
	TTL     Duration `yaml:"ttl"`
}

// ProvidersConfig groups all provider settings and the shared response cache
type ProvidersConfig struct {
	Anthropic *ProviderConfig      `yaml:"anthropic"`
	OpenAI    *ProviderConfig      `yaml:"openai"`
	Cache     *ResponseCacheConfig `yaml:"cache"`
}

// DefaultProvidersConfig returns the built-in provider defaults.
func DefaultProvidersConfig() *ProvidersConfig {
	return &ProvidersConfig{
		Anthropic: &ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY"},
		OpenAI:    &ProviderConfig{APIKeyEnv: "OPENAI_API_KEY"},
		Cache: &ResponseCacheConfig{
			Enabled: false,
			TTL:     Duration(1 * time.Hour),
		},
	}
}
