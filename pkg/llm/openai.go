package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// chatClient captures the subset of go-openai used by the adapter.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements ModelClient over the Chat Completions API.
type OpenAIClient struct {
	chat   chatClient
	prices *priceTable
}

// NewOpenAIClient builds a client from provider configuration.
func NewOpenAIClient(apiKey string, cfg *config.ProviderConfig) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		chat:   openai.NewClientWithConfig(clientCfg),
		prices: newPriceTable(cfg.Prices),
	}, nil
}

// newOpenAIClientForTest wires a mock chat client.
func newOpenAIClientForTest(chat chatClient, cfg *config.ProviderConfig) *OpenAIClient {
	return &OpenAIClient{chat: chat, prices: newPriceTable(cfg.Prices)}
}

// Invoke issues one chat completion and maps the first choice back onto the
// generic shape.
func (c *OpenAIClient) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if req.Model == "" {
		return nil, newInvokeError(models.TagConfigurationError, errors.New("openai: model is required"))
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, newInvokeError(models.TagModel5xx, ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	tokensIn := resp.Usage.PromptTokens
	tokensOut := resp.Usage.CompletionTokens
	return &Response{
		Text:         choice.Message.Content,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostUSD:      c.prices.Cost(req.Model, tokensIn, tokensOut),
		FinishReason: string(choice.FinishReason),
	}, nil
}

// classifyOpenAIError maps go-openai errors onto the taxonomy.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newInvokeError(models.TagModelTimeout, fmt.Errorf("openai chat completion: %w", err))
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newInvokeError(classifyStatus(apiErr.HTTPStatusCode), fmt.Errorf("openai chat completion: %w", err))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newInvokeError(classifyStatus(reqErr.HTTPStatusCode), fmt.Errorf("openai chat completion: %w", err))
	}
	return newInvokeError(models.TagModel5xx, fmt.Errorf("openai chat completion: %w", err))
}
