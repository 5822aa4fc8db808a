package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"classified", NewError(KindAuth, errors.New("bad key")), KindAuth},
		{"wrapped classified", fmt.Errorf("invoke: %w", NewError(KindRateLimited, errors.New("429"))), KindRateLimited},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain error defaults to unavailable", errors.New("connection reset"), KindProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimited, KindTimeout, KindProviderUnavailable}
	for _, k := range retryable {
		if !NewError(k, nil).Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	fatal := []ErrorKind{KindAuth, KindContextTooLarge, KindInvalidResponse}
	for _, k := range fatal {
		if NewError(k, nil).Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	err := ClassifyHTTPStatus(http.StatusTooManyRequests, []byte("slow down"), 3*time.Second)
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatal("expected *Error")
	}
	if pe.Kind != KindRateLimited || pe.RetryAfter != 3*time.Second {
		t.Errorf("got kind=%s retryAfter=%s", pe.Kind, pe.RetryAfter)
	}

	cases := map[int]ErrorKind{
		http.StatusUnauthorized:          KindAuth,
		http.StatusForbidden:             KindAuth,
		http.StatusRequestEntityTooLarge: KindContextTooLarge,
		http.StatusBadGateway:            KindProviderUnavailable,
		http.StatusGatewayTimeout:        KindTimeout,
		http.StatusUnprocessableEntity:   KindInvalidResponse,
	}
	for status, want := range cases {
		if got := KindOf(ClassifyHTTPStatus(status, nil, 0)); got != want {
			t.Errorf("status %d: got %s, want %s", status, got, want)
		}
	}
}

func TestNewInvocationClassifies(t *testing.T) {
	d := Descriptor{ProviderID: "p"}
	started := time.Now().Add(-50 * time.Millisecond)

	inv := NewInvocation(d, started, nil)
	if inv.Outcome != OutcomeSuccess || inv.Duration <= 0 {
		t.Errorf("success invocation: %+v", inv)
	}

	inv = NewInvocation(d, started, NewError(KindTimeout, errors.New("deadline")))
	if inv.Outcome != OutcomeTimeout || inv.ErrKind != KindTimeout {
		t.Errorf("timeout invocation: %+v", inv)
	}

	inv = NewInvocation(d, started, errors.New("boom"))
	if inv.Outcome != OutcomeFailure || inv.ErrKind != KindProviderUnavailable {
		t.Errorf("failure invocation: %+v", inv)
	}
}
