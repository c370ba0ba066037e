package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// anthropicMessages captures the subset of the Anthropic SDK used here, so
// tests can substitute a mock for the real message service.
type anthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements ModelClient over the Claude Messages API.
type AnthropicClient struct {
	msg    anthropicMessages
	prices *priceTable
}

// NewAnthropicClient builds a client from provider configuration. The API
// key is read from the configured environment variable at construction.
func NewAnthropicClient(apiKey string, cfg *config.ProviderConfig) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return &AnthropicClient{
		msg:    &client.Messages,
		prices: newPriceTable(cfg.Prices),
	}, nil
}

// newAnthropicClientForTest wires a mock message service.
func newAnthropicClientForTest(msg anthropicMessages, cfg *config.ProviderConfig) *AnthropicClient {
	return &AnthropicClient{msg: msg, prices: newPriceTable(cfg.Prices)}
}

// Invoke issues one Messages.New call and maps the response text, token
// usage, and cost back onto the generic shape.
func (c *AnthropicClient) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if req.Model == "" {
		return nil, newInvokeError(models.TagConfigurationError, errors.New("anthropic: model is required"))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, newInvokeError(models.TagModel5xx, ErrEmptyResponse)
	}

	tokensIn := int(msg.Usage.InputTokens)
	tokensOut := int(msg.Usage.OutputTokens)
	return &Response{
		Text:         text,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostUSD:      c.prices.Cost(req.Model, tokensIn, tokensOut),
		FinishReason: string(msg.StopReason),
	}, nil
}

// classifyAnthropicError maps SDK errors onto the taxonomy.
func classifyAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newInvokeError(models.TagModelTimeout, fmt.Errorf("anthropic messages.new: %w", err))
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return newInvokeError(classifyStatus(apierr.StatusCode), fmt.Errorf("anthropic messages.new: %w", err))
	}
	return newInvokeError(models.TagModel5xx, fmt.Errorf("anthropic messages.new: %w", err))
}
