// Package llm provides the model invocation layer: provider clients for
// Anthropic and OpenAI, a router that selects one by agent configuration,
// token and cost accounting, response parsing against an optional JSON
// schema, and an optional Redis-backed response cache.
package llm

import (
	"context"
	"errors"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Sentinel errors for model invocation.
var (
	// ErrUnknownProvider indicates an agent references a provider with no
	// configured client.
	ErrUnknownProvider = errors.New("unknown model provider")

	// ErrEmptyResponse indicates the provider returned no usable text.
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Request is one synchronous model invocation. The caller supplies the
// context deadline from the agent's execution timeout.
type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response carries the model text plus token and cost accounting.
type Response struct {
	Text         string  `json:"text"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
	FinishReason string  `json:"finish_reason,omitempty"`
	// Cached is true when the response came from the response cache; cached
	// hits carry zero cost.
	Cached bool `json:"cached,omitempty"`
}

// TokensUsed returns the total token count for the ledger.
func (r *Response) TokensUsed() int {
	return r.TokensIn + r.TokensOut
}

// ModelClient is a synchronous request/response model provider.
type ModelClient interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// InvokeError pairs a provider failure with its taxonomy tag so the worker
// maps it onto exactly one disposition.
type InvokeError struct {
	Tag ErrTag
	Err error
}

// ErrTag narrows models.ErrorTag to the model-call subset.
type ErrTag = models.ErrorTag

// Error returns the underlying error message.
func (e *InvokeError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InvokeError) Unwrap() error {
	return e.Err
}

// newInvokeError wraps a provider error with its classification.
func newInvokeError(tag ErrTag, err error) *InvokeError {
	return &InvokeError{Tag: tag, Err: err}
}

// Classify extracts the taxonomy tag from an invocation error. Unclassified
// errors read as model_5xx: transient until proven otherwise, so they retry
// rather than dead-letter on the first network blip.
func Classify(err error) models.ErrorTag {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.Tag
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.TagModelTimeout
	}
	return models.TagModel5xx
}

// classifyStatus maps an HTTP status code onto the taxonomy. 408 and 429
// stay retryable; other 4xx dead-letter directly.
func classifyStatus(code int) models.ErrorTag {
	switch {
	case code == 429:
		return models.TagModelRateLimited
	case code == 408:
		return models.TagModelTimeout
	case code >= 500:
		return models.TagModel5xx
	case code >= 400:
		return models.TagModel4xx
	default:
		return models.TagModel5xx
	}
}
