package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// RetryClassifier decides whether a failed attempt may be retried. The
// attempt number of the failure is 1-based.
type RetryClassifier func(err error, attempt int) bool

// DefaultClassifier retries TIMEOUT, NETWORK, RATE_LIMITED, and
// PROVIDER_5XX on every attempt and PROVIDER_INVALID_PAYLOAD exactly once.
// AUTH, BREAKER_OPEN, INVALID_INPUT, CANCELLED, and PROGRAMMER_BUG are
// never retried.
func DefaultClassifier(err error, attempt int) bool {
	switch core.KindOf(err) {
	case core.KindTimeout, core.KindNetwork, core.KindRateLimited, core.KindProvider5XX:
		return true
	case core.KindInvalidPayload:
		return attempt == 1
	default:
		return false
	}
}

// RetryPolicy configures retry behavior
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classifier  RetryClassifier
}

// DefaultRetryPolicy provides sensible defaults for provider calls.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Classifier:  DefaultClassifier,
	}
}

// Execute runs attemptFn with bounded exponential backoff. The delay
// between attempt n and n+1 is min(MaxDelay, BaseDelay*2^(n-1)) with a
// uniform +/-10% jitter. Context cancellation aborts immediately and is
// never treated as a retryable failure.
func Execute(ctx context.Context, policy *RetryPolicy, attemptFn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	classifier := policy.Classifier
	if classifier == nil {
		classifier = DefaultClassifier
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return &core.EnsembleError{
				Kind: core.KindCancelled,
				Op:   "retry.Execute",
				Err:  ctx.Err(),
			}
		default:
		}

		err := attemptFn()
		if err == nil {
			return nil
		}
		lastErr = err

		if core.KindOf(err) == core.KindCancelled {
			return err
		}
		if !classifier(err, attempt) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		if !sleepBackoff(ctx, policy, attempt) {
			return &core.EnsembleError{
				Kind: core.KindCancelled,
				Op:   "retry.Execute",
				Err:  ctx.Err(),
			}
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w (%w)",
		policy.MaxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// sleepBackoff waits the backoff delay after the given attempt, returning
// false if the context was cancelled mid-sleep.
func sleepBackoff(ctx context.Context, policy *RetryPolicy, attempt int) bool {
	delay := policy.BaseDelay << uint(attempt-1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	// +/-10% jitter against synchronized retries (thundering herd)
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
	delay += jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ExecuteWithBreaker wraps attemptFn in the circuit breaker inside the
// retry loop, so a breaker that opens mid-sequence stops further attempts
// (BREAKER_OPEN is not retryable).
func ExecuteWithBreaker(ctx context.Context, policy *RetryPolicy, cb *CircuitBreaker, attemptFn func() error) error {
	return Execute(ctx, policy, func() error {
		return cb.Execute(ctx, attemptFn)
	})
}
