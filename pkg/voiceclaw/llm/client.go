package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Options tunes the retrying client. Zero values take the defaults.
type Options struct {
	// MaxRetries is the number of retries after the first attempt; a
	// negative value disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestTimeout bounds each attempt.
	RequestTimeout time.Duration

	// Temperature is the sampling temperature; nil takes the default.
	Temperature *float32
	MaxTokens   int
}

// Defaults used when Options fields are zero.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultRequestTimeout = 90 * time.Second
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 2048
)

// Client wraps a Provider with bounded exponential backoff.
type Client struct {
	provider Provider
	opts     Options
	logger   *slog.Logger

	// wait is replaced in tests to avoid real sleeps.
	wait func(ctx context.Context, d time.Duration) error
}

// NewClient creates a retrying client.
func NewClient(p Provider, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Temperature == nil {
		t := float32(DefaultTemperature)
		opts.Temperature = &t
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Client{
		provider: p,
		opts:     opts,
		logger:   logger.With("component", "llm", "provider", p.Name()),
		wait:     sleepCtx,
	}
}

// Provider returns the wrapped provider name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Complete sends the conversation and tools to the model, retrying
// transient failures. Non-retryable failures (auth, billing, context, bad
// request) return immediately.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	req := Request{
		Messages:    messages,
		Tools:       tools,
		Temperature: *c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		resp, err := c.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("completion cancelled: %w", ctx.Err())
		}

		kind := KindOf(err)
		if !kind.Retryable() {
			c.logger.Warn("non-retryable LLM error, failing immediately",
				"attempt", attempt+1,
				"kind", kind.String(),
				"error", err,
			)
			return nil, err
		}
		if attempt >= c.opts.MaxRetries {
			break
		}

		delay := c.backoff(attempt, err)
		c.logger.Info("retrying after retryable error",
			"attempt", attempt+1,
			"next_attempt", attempt+2,
			"kind", kind.String(),
			"backoff_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := c.wait(ctx, delay); err != nil {
			return nil, fmt.Errorf("context cancelled during backoff: %w", err)
		}
	}

	c.logger.Error("LLM retries exhausted", "attempts", c.opts.MaxRetries+1, "error", lastErr)
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// CompleteText runs a single-shot prompt without tools and returns the text.
func (c *Client) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	msgs := []Message{{Role: RoleUser, Content: prompt}}
	if system != "" {
		msgs = append([]Message{{Role: RoleSystem, Content: system}}, msgs...)
	}
	resp, err := c.Complete(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Client) completeOnce(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("LLM completion",
		"duration_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(resp.ToolCalls),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp, nil
}

// backoff returns min(initial * 2^attempt, max), raised to the server's
// Retry-After (itself capped at max) when present.
func (c *Client) backoff(attempt int, err error) time.Duration {
	delay := c.opts.InitialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
			break
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		server := apiErr.RetryAfter
		if server > c.opts.MaxBackoff {
			server = c.opts.MaxBackoff
		}
		if server > delay {
			delay = server
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
