package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies an invocation failure. The orchestrator decides
// retry and fallback behavior from the kind, never from raw errors.
type ErrorKind string

const (
	// KindAuth is a credential problem. Never retried.
	KindAuth ErrorKind = "auth"

	// KindRateLimited means the provider refused for quota reasons.
	// Retried transparently, honoring RetryAfter when given.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTimeout means the invocation exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindProviderUnavailable is a transport or 5xx failure.
	KindProviderUnavailable ErrorKind = "provider_unavailable"

	// KindInvalidResponse means the provider answered with an
	// unparseable or empty body.
	KindInvalidResponse ErrorKind = "invalid_response"

	// KindContextTooLarge means the payload exceeds the model's context
	// window. An input problem; never retried.
	KindContextTooLarge ErrorKind = "context_too_large"
)

// Error is a classified invocation failure.
type Error struct {
	Kind ErrorKind

	// RetryAfter is the provider-suggested wait for rate limits.
	// Zero when the provider gave no hint.
	RetryAfter time.Duration

	err error
}

// NewError wraps err with a classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

// NewRateLimitError wraps err as rate-limited with a retry hint.
func NewRateLimitError(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether another attempt could plausibly succeed.
// Auth and context-size problems are config/input errors and are not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindProviderUnavailable:
		return true
	}
	return false
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report KindProviderUnavailable, the conservative
// "try someone else" default.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindProviderUnavailable
}

// IsRetryable reports whether err allows another attempt.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unclassified transport errors are worth retrying elsewhere.
	return true
}

// ClassifyHTTPStatus maps an HTTP error status to a classified error.
// The body is truncated into the message for diagnosis.
func ClassifyHTTPStatus(statusCode int, body []byte, retryAfter time.Duration) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("provider API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(err, retryAfter)
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusGatewayTimeout:
		return NewError(KindTimeout, err)
	case statusCode == http.StatusRequestEntityTooLarge:
		return NewError(KindContextTooLarge, err)
	case statusCode >= 500:
		return NewError(KindProviderUnavailable, err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return NewError(KindAuth, err)
	default:
		// Remaining 4xx responses are malformed requests from our side.
		return NewError(KindInvalidResponse, err)
	}
}
