package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// --- taxonomy classification ---

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want models.ErrorTag
	}{
		{429, models.TagModelRateLimited},
		{408, models.TagModelTimeout},
		{500, models.TagModel5xx},
		{503, models.TagModel5xx},
		{400, models.TagModel4xx},
		{401, models.TagModel4xx},
		{404, models.TagModel4xx},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStatus(tt.code), "status %d", tt.code)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.TagModel4xx,
		Classify(newInvokeError(models.TagModel4xx, errors.New("bad request"))))
	assert.Equal(t, models.TagModelTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, models.TagModel5xx, Classify(errors.New("connection reset")))
}

// --- anthropic adapter ---

type stubMessages struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.got = body
	return s.resp, s.err
}

func TestAnthropicInvoke(t *testing.T) {
	stub := &stubMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "billing"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 100, OutputTokens: 20},
		},
	}
	client := newAnthropicClientForTest(stub, &config.ProviderConfig{
		Prices: map[string]config.ModelPrice{
			"claude-haiku-4-5": {InputPerMTok: 1.0, OutputPerMTok: 5.0},
		},
	})

	resp, err := client.Invoke(context.Background(), &Request{
		Model:       "claude-haiku-4-5",
		System:      "You classify tickets.",
		Prompt:      "cat=billing",
		Temperature: 0.2,
		MaxTokens:   256,
	})
	require.NoError(t, err)

	assert.Equal(t, "billing", resp.Text)
	assert.Equal(t, 100, resp.TokensIn)
	assert.Equal(t, 20, resp.TokensOut)
	assert.Equal(t, 120, resp.TokensUsed())
	assert.InDelta(t, 100.0/1e6*1.0+20.0/1e6*5.0, resp.CostUSD, 1e-12)

	assert.EqualValues(t, "claude-haiku-4-5", stub.got.Model)
	assert.EqualValues(t, 256, stub.got.MaxTokens)
	require.Len(t, stub.got.System, 1)
	assert.Equal(t, "You classify tickets.", stub.got.System[0].Text)
}

func TestAnthropicInvokeEmptyResponse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{}}
	client := newAnthropicClientForTest(stub, &config.ProviderConfig{})

	_, err := client.Invoke(context.Background(), &Request{Model: "claude-haiku-4-5", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, models.TagModel5xx, Classify(err))
}

func TestAnthropicErrorClassification(t *testing.T) {
	stub := &stubMessages{err: context.DeadlineExceeded}
	client := newAnthropicClientForTest(stub, &config.ProviderConfig{})

	_, err := client.Invoke(context.Background(), &Request{Model: "claude-haiku-4-5", Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.TagModelTimeout, Classify(err))
}

// --- openai adapter ---

type stubChat struct {
	resp openai.ChatCompletionResponse
	err  error
	got  openai.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.got = req
	return s.resp, s.err
}

func TestOpenAIInvoke(t *testing.T) {
	stub := &stubChat{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message:      openai.ChatCompletionMessage{Content: "billing"},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{PromptTokens: 50, CompletionTokens: 10},
		},
	}
	client := newOpenAIClientForTest(stub, &config.ProviderConfig{})

	resp, err := client.Invoke(context.Background(), &Request{
		Model:  "gpt-4o-mini",
		System: "You classify tickets.",
		Prompt: "cat=billing",
	})
	require.NoError(t, err)

	assert.Equal(t, "billing", resp.Text)
	assert.Equal(t, 50, resp.TokensIn)
	assert.Equal(t, 10, resp.TokensOut)
	assert.Positive(t, resp.CostUSD)

	require.Len(t, stub.got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, stub.got.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, stub.got.Messages[1].Role)
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorTag
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, models.TagModelRateLimited},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, models.TagModel5xx},
		{"client error", &openai.APIError{HTTPStatusCode: 400}, models.TagModel4xx},
		{"request error", &openai.RequestError{HTTPStatusCode: 502}, models.TagModel5xx},
		{"timeout", context.DeadlineExceeded, models.TagModelTimeout},
		{"other", errors.New("dial tcp: refused"), models.TagModel5xx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubChat{err: tt.err}
			client := newOpenAIClientForTest(stub, &config.ProviderConfig{})

			_, err := client.Invoke(context.Background(), &Request{Model: "gpt-4o-mini", Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

// --- pricing ---

func TestPriceTableFallbacks(t *testing.T) {
	table := newPriceTable(map[string]config.ModelPrice{
		"gpt-4o-mini": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	})

	// override wins over built-in
	assert.InDelta(t, 1e6/1e6*0.10, table.Cost("gpt-4o-mini", 1e6, 0), 1e-12)
	// built-in table
	assert.InDelta(t, 2.50, table.Cost("gpt-4o", 1e6, 0), 1e-12)
	// unknown model falls back to the conservative default
	assert.InDelta(t, defaultPrice.InputPerMTok, table.Cost("mystery-model", 1e6, 0), 1e-12)
}

// --- router + cache ---

type fakeModel struct {
	resp  *Response
	err   error
	calls int
}

func (f *fakeModel) Invoke(context.Context, *Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.resp
	return &r, nil
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) SetWithTTL(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestRouterUnknownProvider(t *testing.T) {
	router := NewRouterWithClients(map[string]ModelClient{}, nil)

	_, err := router.Invoke(context.Background(), &Request{Provider: "mystery", Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, models.TagConfigurationError, Classify(err))
}

func TestRouterCacheHitSkipsProvider(t *testing.T) {
	fake := &fakeModel{resp: &Response{Text: "billing", TokensIn: 10, TokensOut: 5, CostUSD: 0.01}}
	cache := NewResponseCache(newMemKV(), &config.ResponseCacheConfig{
		Enabled: true,
		TTL:     config.Duration(time.Hour),
	})
	router := NewRouterWithClients(map[string]ModelClient{"anthropic": fake}, cache)

	req := &Request{Provider: "anthropic", Model: "claude-haiku-4-5", Prompt: "p", MaxTokens: 10}

	first, err := router.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 0.01, first.CostUSD)

	second, err := router.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Zero(t, second.CostUSD, "cache hits record zero cost")
	assert.Equal(t, "billing", second.Text)
	assert.Equal(t, 1, fake.calls, "second invocation must not reach the provider")

	// a different prompt misses
	other := &Request{Provider: "anthropic", Model: "claude-haiku-4-5", Prompt: "q", MaxTokens: 10}
	_, err = router.Invoke(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)
}

func TestResponseCacheDisabled(t *testing.T) {
	assert.Nil(t, NewResponseCache(newMemKV(), &config.ResponseCacheConfig{Enabled: false}))
	assert.Nil(t, NewResponseCache(newMemKV(), nil))
}
