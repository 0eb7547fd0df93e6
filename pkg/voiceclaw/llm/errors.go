package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind classifies provider errors for retry decisions and user
// messages.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // generic transient failure (5xx, network)
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timeout / deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or billing/quota in body
	ErrorContext                     // context length exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a label for logs.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// APIError is a provider failure with its HTTP status and body.
type APIError struct {
	Provider   string
	Model      string
	StatusCode int
	Body       string

	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration

	Kind ErrorKind
	Err  error
}

func newAPIError(provider, model string, status int, body string, err error) *APIError {
	return &APIError{
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Body:       body,
		Kind:       classifyAPIError(status, body),
		Err:        err,
	}
}

func (e *APIError) Error() string {
	prefix := e.Provider
	if e.Model != "" {
		prefix += " (" + e.Model + ")"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: API returned %d: %s", prefix, e.StatusCode, truncate(e.Body, 200))
	}
	return fmt.Sprintf("%s: %s", prefix, truncate(e.Body, 200))
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	// Context overflow is checked first.
	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") ||
		strings.Contains(bodyLower, "context window") {
		return ErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "quota") ||
		strings.Contains(bodyLower, "payment required") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrorRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "capacity") {
		return ErrorOverloaded
	}

	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

// KindOf classifies any error returned by a provider.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTimeout
		}
		return ErrorRetryable
	}
	return classifyAPIError(0, err.Error())
}

// UserMessage turns a completion failure into the text shown to the user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case ErrorAuth:
		return "🔑 The language model rejected my credentials. An admin needs to check the API key."
	case ErrorBilling:
		return "💳 The language model account is out of credit or quota. An admin needs to top it up."
	case ErrorRateLimit, ErrorOverloaded:
		return "🐢 The language model is overloaded right now. Please try again in a minute."
	case ErrorTimeout:
		return "⏱️ The language model took too long to answer. Please try again."
	case ErrorContext:
		return "📚 This conversation is too long for the model. Send /new to start fresh."
	default:
		return "⚠️ I couldn't reach the language model. Please try again later."
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
