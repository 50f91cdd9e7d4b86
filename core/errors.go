package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and circuit breaker decisions.
// Decisions are pattern matches on the kind, never on error strings.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "TIMEOUT"
	KindNetwork        ErrorKind = "NETWORK"
	KindRateLimited    ErrorKind = "RATE_LIMITED"
	KindProvider5XX    ErrorKind = "PROVIDER_5XX"
	KindInvalidPayload ErrorKind = "PROVIDER_INVALID_PAYLOAD"
	KindAuth           ErrorKind = "AUTH"
	KindBreakerOpen    ErrorKind = "BREAKER_OPEN"
	KindInvalidInput   ErrorKind = "INVALID_INPUT"
	KindQueueFull      ErrorKind = "QUEUE_FULL"
	KindRateExceeded   ErrorKind = "RATE_EXCEEDED"
	KindCancelled      ErrorKind = "CANCELLED"
	KindProgrammerBug  ErrorKind = "PROGRAMMER_BUG"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrCircuitBreakerOpen   = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrQueueFull            = errors.New("admission queue is full")
	ErrRateExceeded         = errors.New("rate limit exceeded")
	ErrAllModelsFailed      = errors.New("all models failed")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrContextCanceled      = errors.New("context canceled")
)

// EnsembleError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EnsembleError struct {
	Kind     ErrorKind // Classification per the error taxonomy
	Op       string    // Operation that failed (e.g., "router.Select")
	Provider string    // Optional provider involved
	Model    string    // Optional model involved
	Role     string    // Optional role involved
	Message  string    // Human-readable message
	Err      error     // Underlying error for wrapping
}

func (e *EnsembleError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		if e.Model != "" {
			return fmt.Sprintf("%s [%s/%s]: %v", e.Op, e.Provider, e.Model, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EnsembleError) Unwrap() error {
	return e.Err
}

// NewEnsembleError creates a classified error for an operation.
func NewEnsembleError(op string, kind ErrorKind, err error) *EnsembleError {
	return &EnsembleError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Context cancellation
// and deadline expiry map to CANCELLED and TIMEOUT even when untagged;
// anything else unclassified is treated as NETWORK, the conservative
// retryable default for transport-level failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ee *EnsembleError
	if errors.As(err, &ee) && ee.Kind != "" {
		return ee.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrContextCanceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindBreakerOpen
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrRateExceeded):
		return KindRateExceeded
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidConfiguration):
		return KindInvalidInput
	default:
		return KindNetwork
	}
}

// IsRetryable reports whether the provider call that produced err may be
// attempted again. PROVIDER_INVALID_PAYLOAD is retryable but the default
// retry classifier caps it at one extra attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindRateLimited, KindProvider5XX, KindInvalidPayload:
		return true
	default:
		return false
	}
}

// CountsTowardBreaker reports whether a failure should advance the circuit
// breaker for its provider+model. Auth, validation, programmer errors and
// client cancellation never count.
func CountsTowardBreaker(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindRateLimited, KindProvider5XX, KindInvalidPayload:
		return true
	default:
		return false
	}
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
