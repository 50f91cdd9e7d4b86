package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

func newTestBreaker(t *testing.T, threshold int, reset time.Duration) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "openai:gpt-4o-mini",
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}
	return cb
}

func countedFailure() error {
	return &core.EnsembleError{Kind: core.KindProvider5XX, Message: "upstream 503"}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, func() error { return countedFailure() })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	invoked := false
	err := cb.Execute(ctx, func() error { invoked = true; return nil })
	if invoked {
		t.Error("function invoked while breaker open")
	}
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if core.KindOf(err) != core.KindBreakerOpen {
		t.Errorf("kind = %q, want BREAKER_OPEN", core.KindOf(err))
	}
}

func TestBreakerIgnoresNonCountedErrors(t *testing.T) {
	cb := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()

	authErr := &core.EnsembleError{Kind: core.KindAuth, Message: "401"}
	for i := 0; i < 10; i++ {
		cb.Execute(ctx, func() error { return authErr })
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after non-counted failures", cb.State())
	}
}

func TestBreakerHalfOpenTrialSuccess(t *testing.T) {
	cb := newTestBreaker(t, 1, 20*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return countedFailure() })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("trial execution failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after trial success", cb.State())
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	cb := newTestBreaker(t, 1, 20*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return countedFailure() })
	time.Sleep(30 * time.Millisecond)

	cb.Execute(ctx, func() error { return countedFailure() })
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after trial failure", cb.State())
	}

	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("expected rejection inside new reset window, got %v", err)
	}
}

func TestBreakerSingleHalfOpenAdmission(t *testing.T) {
	cb := newTestBreaker(t, 1, 10*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return countedFailure() })
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	go cb.Execute(ctx, func() error {
		close(trialStarted)
		<-release
		return nil
	})

	<-trialStarted
	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("second half-open admission should be rejected, got %v", err)
	}
	close(release)
}

func TestBreakerRecoversPanic(t *testing.T) {
	cb := newTestBreaker(t, 5, time.Minute)
	err := cb.Execute(context.Background(), func() error { panic("boom") })
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if core.KindOf(err) != core.KindProgrammerBug {
		t.Errorf("kind = %q, want PROGRAMMER_BUG", core.KindOf(err))
	}
}

func TestBreakerReset(t *testing.T) {
	cb := newTestBreaker(t, 1, time.Minute)
	cb.Execute(context.Background(), func() error { return countedFailure() })
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after reset", cb.State())
	}
}

func TestBreakerRegistry(t *testing.T) {
	registry := NewBreakerRegistry(core.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)

	a := registry.For("openai:gpt-4o-mini")
	b := registry.For("openai:gpt-4o-mini")
	if a != b {
		t.Error("registry returned distinct breakers for the same key")
	}

	if registry.IsOpen("openai:gpt-4o-mini") {
		t.Error("fresh breaker reported open")
	}
	a.Execute(context.Background(), func() error { return countedFailure() })
	if !registry.IsOpen("openai:gpt-4o-mini") {
		t.Error("tripped breaker not reported open")
	}
	if registry.IsOpen("google:gemini-1.5-flash") {
		t.Error("unknown key reported open")
	}

	states := registry.States()
	if states["openai:gpt-4o-mini"] != "open" {
		t.Errorf("states = %v, want open entry", states)
	}
}
