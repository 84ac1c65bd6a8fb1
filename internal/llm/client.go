// Package llm wraps the Anthropic API behind a narrow Completer interface and
// provides the retry, rate-limiting, and resilient-parsing machinery shared
// by the aggregation and merge pipelines.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = "claude-sonnet-4-5-20250929"

// CompletionRequest is a single prompt sent to the model.
type CompletionRequest struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Completion is the model's reply plus usage accounting.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Completer is the LLM dependency consumed by the orchestrator and the merge
// analyzer. Tests substitute fakes; production uses *Client.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ClientConfig configures the Anthropic-backed client.
type ClientConfig struct {
	APIKey             string  // falls back to ANTHROPIC_API_KEY
	Model              string  // default model for requests that omit one
	MaxConcurrentCalls int64   // 0 = unlimited
	RequestsPerSecond  float64 // 0 = unlimited
	FailureThreshold   int     // circuit breaker: consecutive failures before opening
	SuccessThreshold   int     // circuit breaker: successes in half-open before closing
	OpenTimeout        time.Duration
}

// Client calls the Anthropic API. It enforces a concurrency cap, a request
// rate limit, and a circuit breaker; retries belong to the caller (the batch
// orchestrator owns attempt bookkeeping).
type Client struct {
	api     *anthropic.Client
	model   string
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

var _ Completer = (*Client)(nil)

// NewClient creates an Anthropic-backed client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	api := anthropic.NewClient(option.WithAPIKey(apiKey))

	c := &Client{
		api:   &api,
		model: model,
	}

	if cfg.MaxConcurrentCalls > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxConcurrentCalls)
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.FailureThreshold > 0 {
		openTimeout := cfg.OpenTimeout
		if openTimeout == 0 {
			openTimeout = 30 * time.Second
		}
		successThreshold := cfg.SuccessThreshold
		if successThreshold == 0 {
			successThreshold = 2
		}
		c.breaker = NewCircuitBreaker(cfg.FailureThreshold, successThreshold, openTimeout)
	}

	return c, nil
}

// Complete performs one model call. It blocks on the rate limiter and the
// concurrency semaphore, both of which respect ctx cancellation.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquiring LLM concurrency slot: %w", err)
		}
		defer c.sem.Release(1)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for LLM rate limiter: %w", err)
		}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		if c.breaker != nil && IsTransient(err) {
			c.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, ErrEmptyResponse
	}

	slog.Debug("LLM call completed",
		"model", model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", time.Since(start))

	return &Completion{
		Text:         text,
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
