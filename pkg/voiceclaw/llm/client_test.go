package llm

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	mu    sync.Mutex
	errs  []error
	calls int
	last  Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = req
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{Content: "ok"}, nil
}

func newTestClient(p Provider, opts Options) (*Client, *[]time.Duration) {
	c := NewClient(p, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var waits []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return c, &waits
}

func TestClientRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{errs: []error{
		newAPIError("scripted", "m", 503, "", nil),
		newAPIError("scripted", "m", 429, "", nil),
	}}
	c, waits := newTestClient(p, Options{})

	resp, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)

	assert.Equal(t, float32(DefaultTemperature), p.last.Temperature)
	assert.Equal(t, DefaultMaxTokens, p.last.MaxTokens)
}

func TestClientHonoursZeroTemperature(t *testing.T) {
	t.Parallel()

	zero := float32(0)
	p := &scriptedProvider{}
	c, _ := newTestClient(p, Options{Temperature: &zero})

	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Zero(t, p.last.Temperature)
}

func TestClientFailsFastOnPermanentErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{400, 401, 402} {
		p := &scriptedProvider{errs: []error{newAPIError("scripted", "m", status, "", nil)}}
		c, waits := newTestClient(p, Options{})

		_, err := c.Complete(context.Background(), nil, nil)
		require.Error(t, err)
		assert.Equal(t, 1, p.calls, "status %d", status)
		assert.Empty(t, *waits)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, status, apiErr.StatusCode)
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	transient := newAPIError("scripted", "m", 500, "", nil)
	p := &scriptedProvider{errs: []error{transient, transient, transient}}
	c, _ := newTestClient(p, Options{MaxRetries: 2})

	_, err := c.Complete(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, p.calls)
}

func TestClientRetriesDisabled(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{errs: []error{newAPIError("scripted", "m", 500, "", nil)}}
	c, _ := newTestClient(p, Options{MaxRetries: -1})

	_, err := c.Complete(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestClientStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{errs: []error{newAPIError("scripted", "m", 500, "", nil)}}
	c, _ := newTestClient(p, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, p.calls)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(&scriptedProvider{}, Options{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	plain := errors.New("boom")

	assert.Equal(t, 100*time.Millisecond, c.backoff(0, plain))
	assert.Equal(t, 400*time.Millisecond, c.backoff(2, plain))
	assert.Equal(t, time.Second, c.backoff(10, plain))

	limited := newAPIError("scripted", "m", 429, "", nil)
	limited.RetryAfter = 700 * time.Millisecond
	assert.Equal(t, 700*time.Millisecond, c.backoff(0, limited))

	limited.RetryAfter = time.Minute
	assert.Equal(t, time.Second, c.backoff(0, limited), "server delay is capped")
}

func TestCompleteText(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{}
	c, _ := newTestClient(p, Options{})

	out, err := c.CompleteText(context.Background(), "be brief", "summarise")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	require.Len(t, p.last.Messages, 2)
	assert.Equal(t, RoleSystem, p.last.Messages[0].Role)
	assert.Equal(t, "summarise", p.last.Messages[1].Content)
	assert.Empty(t, p.last.Tools)
}
