package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName           = "openai"
	openAIDefaultSeed    = 42
	openAIDefaultTimeout = 60 * time.Second
)

// OpenAIConfig holds configuration for an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string        // Optional; any OpenAI-compatible server
	Model       string        // Default model when a request does not set one
	Temperature float64       // Default temperature
	TopP        float64       // 0 means server default
	Seed        int64         // 0 means 42
	RateLimit   float64       // Requests per second, 0 disables limiting
	MaxRetries  int           // SDK transport retries
	Timeout     time.Duration // Default per-call timeout
	HTTPClient  *http.Client  // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	model       string
	temperature float64
	topP        float64
	seed        int64
	timeout     time.Duration
	limiter     *RateLimiter
	client      openai.Client
}

// NewOpenAIClient creates a new OpenAI-compatible chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Seed == 0 {
		cfg.Seed = openAIDefaultSeed
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = openAIDefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-call deadlines come from the request context.
		httpClient = &http.Client{}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}

	var limiter *RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewRateLimiter(cfg.RateLimit)
	}

	return &OpenAIClient{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		seed:        cfg.Seed,
		timeout:     cfg.Timeout,
		limiter:     limiter,
		client:      openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.model
}

// RateLimiterStatus reports the limiter state. ok is false when rate
// limiting is disabled.
func (c *OpenAIClient) RateLimiterStatus() (status RateLimiterStatus, ok bool) {
	if c.limiter == nil {
		return RateLimiterStatus{}, false
	}
	return c.limiter.Status(), true
}

// Chat sends a chat completion request. A non-nil result is returned even on
// error so callers can record timing and error classification.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	result := &ChatResult{Provider: OpenAIName}

	if req == nil || len(req.Messages) == 0 {
		err := fmt.Errorf("at least one message is required")
		result.ErrorType = ErrorTypeAPI
		result.ErrorMessage = err.Error()
		return result, err
	}
	result.RequestID = req.RequestID

	model := req.Model
	if model == "" {
		model = c.model
	}
	result.ModelUsed = model

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.fail(result, start, err)
		}
		result.QueueTime = time.Since(start)
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(temperature),
		Seed:        openai.Int(c.seed),
	}
	if c.topP > 0 {
		params.TopP = openai.Float(c.topP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	callStart := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	result.ExecutionTime = time.Since(callStart)
	if err != nil {
		err = mapOpenAIError(err)
		var rl *RateLimitError
		if errors.As(err, &rl) && c.limiter != nil {
			c.limiter.Record429(rl.RetryAfter)
		}
		return c.fail(result, start, err)
	}

	if resp == nil || len(resp.Choices) == 0 {
		err := fmt.Errorf("model response has no choices")
		result.ErrorType = ErrorTypeEmpty
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.Success = true
	result.Content = resp.Choices[0].Message.Content
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	if result.TotalTokens == 0 {
		result.TotalTokens = result.PromptTokens + result.CompletionTokens
	}
	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}
	return result, nil
}

func (c *OpenAIClient) fail(result *ChatResult, start time.Time, err error) (*ChatResult, error) {
	result.Success = false
	result.ErrorType = classifyError(err)
	result.ErrorMessage = err.Error()
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start)
	}
	return result, err
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// Verify interface
var _ LLMClient = (*OpenAIClient)(nil)
