package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows one trial request per reset window
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure failures only: transport,
// timeouts, provider 5xx, rate limiting, and empty/invalid payloads. Auth,
// validation, programmer errors, and client cancellation never advance the
// breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	return core.CountsTowardBreaker(err)
}

// CircuitBreakerConfig holds configuration for one circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker, conventionally "provider:model"
	Name string

	// FailureThreshold is the consecutive failure count before opening
	FailureThreshold int

	// ResetTimeout is how long to stay open before allowing a trial
	ResetTimeout time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for breaker events
	Logger core.Logger
}

// Validate checks the breaker configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required: %w", core.ErrInvalidConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d: %w", c.FailureThreshold, core.ErrInvalidConfiguration)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v: %w", c.ResetTimeout, core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker tracks failures for one provider+model and short-circuits
// calls while unhealthy. CLOSED -> OPEN at FailureThreshold consecutive
// counted failures; OPEN -> HALF_OPEN after ResetTimeout, admitting one
// trial; trial success -> CLOSED, trial failure -> OPEN again.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state        atomic.Value // CircuitState
	openedAt     atomic.Value // time.Time
	failureCount atomic.Int32

	// trialInFlight guards the single half-open admission
	trialInFlight atomic.Bool

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64

	mu sync.Mutex // state transitions only
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for
// missing values.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, fmt.Errorf("circuit breaker config is required: %w", core.ErrInvalidConfiguration)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cb := &CircuitBreaker{config: config}
	cb.state.Store(StateClosed)
	cb.openedAt.Store(time.Time{})

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
	})

	return cb, nil
}

// Execute runs fn with breaker protection. While OPEN inside the reset
// window it fails immediately with core.ErrCircuitBreakerOpen without
// invoking fn. Panics in fn are recovered and surfaced as errors so the
// trial slot is always released.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	trial, allowed := cb.allow()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		cb.config.Logger.Debug("Circuit breaker rejected execution", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.State().String(),
		})
		return &core.EnsembleError{
			Kind: core.KindBreakerOpen,
			Op:   "breaker.Execute",
			Err:  fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen),
		}
	}

	cb.totalExecutions.Add(1)

	err := cb.run(fn)
	cb.record(trial, err)
	return err
}

// run invokes fn converting panics into PROGRAMMER_BUG errors.
func (cb *CircuitBreaker) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
				"name":  cb.config.Name,
				"panic": fmt.Sprintf("%v", r),
			})
			err = &core.EnsembleError{
				Kind: core.KindProgrammerBug,
				Op:   "breaker.Execute",
				Err:  fmt.Errorf("panic: %v\n%s", r, stack),
			}
		}
	}()
	return fn()
}

// allow decides admission, transitioning OPEN -> HALF_OPEN when the reset
// window has elapsed. The second return is false when the call must be
// rejected; the first is true when this call is the half-open trial.
func (cb *CircuitBreaker) allow() (trial bool, allowed bool) {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return false, true

	case StateOpen:
		openedAt := cb.openedAt.Load().(time.Time)
		if time.Since(openedAt) < cb.config.ResetTimeout {
			return false, false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transitionLocked(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.claimTrial()

	case StateHalfOpen:
		return cb.claimTrial()

	default:
		return false, false
	}
}

// claimTrial reserves the single half-open admission.
func (cb *CircuitBreaker) claimTrial() (bool, bool) {
	if cb.trialInFlight.CompareAndSwap(false, true) {
		return true, true
	}
	return false, false
}

// record applies the outcome of an admitted execution.
func (cb *CircuitBreaker) record(trial bool, err error) {
	if trial {
		defer cb.trialInFlight.Store(false)
	}

	if err == nil {
		if trial {
			cb.mu.Lock()
			cb.transitionLocked(StateClosed)
			cb.failureCount.Store(0)
			cb.mu.Unlock()
		} else if cb.state.Load().(CircuitState) == StateClosed {
			cb.failureCount.Store(0)
		}
		return
	}

	if !cb.config.ErrorClassifier(err) {
		cb.config.Logger.Debug("Error not counted toward breaker", map[string]interface{}{
			"operation":  "error_classification",
			"name":       cb.config.Name,
			"error_kind": string(core.KindOf(err)),
		})
		return
	}

	if trial {
		// Trial failed; reopen and restart the reset window.
		cb.mu.Lock()
		cb.transitionLocked(StateOpen)
		cb.mu.Unlock()
		return
	}

	count := cb.failureCount.Add(1)
	if int(count) >= cb.config.FailureThreshold {
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateClosed {
			cb.transitionLocked(StateOpen)
		}
		cb.mu.Unlock()
	}
}

// transitionLocked changes state (must be called with mu held).
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}
	cb.state.Store(newState)
	if newState == StateOpen {
		cb.openedAt.Store(time.Now())
	}
	if newState == StateHalfOpen {
		cb.trialInFlight.Store(false)
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name":          cb.config.Name,
		"from":          oldState.String(),
		"to":            newState.String(),
		"failure_count": cb.failureCount.Load(),
	})
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.state.Load().(CircuitState)
}

// Metrics returns current breaker counters.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.State().String(),
		"failure_count":       cb.failureCount.Load(),
		"total_executions":    cb.totalExecutions.Load(),
		"rejected_executions": cb.rejectedExecutions.Load(),
	}
}

// Reset returns the breaker to CLOSED and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failureCount.Store(0)
	cb.trialInFlight.Store(false)
}

// BreakerRegistry holds one breaker per provider+model, created on demand
// with a shared configuration.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	threshold int
	reset     time.Duration
	logger    core.Logger
}

// NewBreakerRegistry creates a registry using the given shared settings.
func NewBreakerRegistry(cfg core.BreakerConfig, logger core.Logger) *BreakerRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: cfg.FailureThreshold,
		reset:     cfg.ResetTimeout,
		logger:    logger,
	}
}

// For returns the breaker for a provider:model key, creating it if needed.
func (r *BreakerRegistry) For(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             key,
		FailureThreshold: r.threshold,
		ResetTimeout:     r.reset,
		Logger:           r.logger,
	})
	if err != nil {
		// Shared settings are validated at construction; this is unreachable
		// with a well-formed registry.
		panic(err)
	}
	r.breakers[key] = cb
	return cb
}

// IsOpen reports whether the breaker for key currently blocks admission.
// Used by the router's availability filter. A breaker that would transition
// to half-open on its next call is not considered open.
func (r *BreakerRegistry) IsOpen(key string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if cb.State() != StateOpen {
		return false
	}
	openedAt := cb.openedAt.Load().(time.Time)
	return time.Since(openedAt) < cb.config.ResetTimeout
}

// States returns a snapshot of every breaker's state for diagnostics.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.State().String()
	}
	return out
}
