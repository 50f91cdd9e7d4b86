package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"tagged error", &EnsembleError{Kind: KindRateLimited}, KindRateLimited},
		{"wrapped tagged error", fmt.Errorf("call: %w", &EnsembleError{Kind: KindAuth}), KindAuth},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"breaker sentinel", fmt.Errorf("x: %w", ErrCircuitBreakerOpen), KindBreakerOpen},
		{"queue sentinel", ErrQueueFull, KindQueueFull},
		{"unclassified", errors.New("connection reset"), KindNetwork},
		{"nil", nil, ErrorKind("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryableAndBreakerClassification(t *testing.T) {
	retryable := []ErrorKind{KindTimeout, KindNetwork, KindRateLimited, KindProvider5XX, KindInvalidPayload}
	for _, kind := range retryable {
		err := &EnsembleError{Kind: kind}
		if !IsRetryable(err) {
			t.Errorf("%s should be retryable", kind)
		}
		if !CountsTowardBreaker(err) {
			t.Errorf("%s should count toward breaker", kind)
		}
	}

	fatal := []ErrorKind{KindAuth, KindBreakerOpen, KindInvalidInput, KindCancelled, KindProgrammerBug, KindQueueFull, KindRateExceeded}
	for _, kind := range fatal {
		err := &EnsembleError{Kind: kind}
		if IsRetryable(err) {
			t.Errorf("%s should not be retryable", kind)
		}
		if CountsTowardBreaker(err) {
			t.Errorf("%s should not count toward breaker", kind)
		}
	}
}

func TestEnsembleErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &EnsembleError{Kind: KindProvider5XX, Op: "model.Call", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}

	var ee *EnsembleError
	if !errors.As(fmt.Errorf("outer: %w", err), &ee) {
		t.Fatal("expected errors.As to find EnsembleError")
	}
	if ee.Kind != KindProvider5XX {
		t.Errorf("Kind = %q, want %q", ee.Kind, KindProvider5XX)
	}
}

func TestEnsembleErrorMessage(t *testing.T) {
	err := &EnsembleError{
		Kind:     KindTimeout,
		Op:       "model.Call",
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Err:      errors.New("deadline exceeded"),
	}
	want := "model.Call [openai/gpt-4o-mini]: deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
