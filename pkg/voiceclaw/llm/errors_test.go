package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{400, `{"error":{"code":"context_length_exceeded"}}`, ErrorContext},
		{402, "", ErrorBilling},
		{429, "insufficient_quota", ErrorBilling},
		{429, "", ErrorRateLimit},
		{200, "Too Many Requests", ErrorRateLimit},
		{529, "", ErrorOverloaded},
		{503, "model is overloaded", ErrorOverloaded},
		{504, "upstream timed out", ErrorTimeout},
		{400, "bad json", ErrorBadRequest},
		{401, "", ErrorAuth},
		{403, "", ErrorAuth},
		{500, "", ErrorRetryable},
		{502, "", ErrorRetryable},
		{404, "", ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.body), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyAPIError(tt.status, tt.body))
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", newAPIError("groq", "m", 429, "", nil))
	assert.Equal(t, ErrorRateLimit, KindOf(wrapped))
	assert.Equal(t, ErrorTimeout, KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrorFatal, KindOf(errors.New("something odd")))

	assert.True(t, ErrorOverloaded.Retryable())
	assert.False(t, ErrorAuth.Retryable())
	assert.False(t, ErrorContext.Retryable())
}

func TestUserMessageIsSpecific(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, status := range []int{401, 402, 429, 500} {
		msg := UserMessage(newAPIError("groq", "m", status, "", nil))
		assert.NotEmpty(t, msg)
		seen[msg] = true
	}
	assert.Len(t, seen, 4, "auth, billing, rate limit and generic failures read differently")
	assert.Contains(t, UserMessage(context.DeadlineExceeded), "too long")
}
