package ensemble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/salscrudato/neurastack-backend-sub006/cache"
	"github.com/salscrudato/neurastack-backend-sub006/core"
	"github.com/salscrudato/neurastack-backend-sub006/resilience"
	"github.com/salscrudato/neurastack-backend-sub006/routing"
	"github.com/salscrudato/neurastack-backend-sub006/voting"
)

// Ensemble is the root object owning every subsystem: admission queue,
// router, voting engine, cache, breakers, and collaborators. Process-wide
// state lives here; tests construct a fresh instance.
type Ensemble struct {
	config    *core.Config
	logger    core.Logger
	telemetry core.Telemetry

	cache    *cache.SemanticCache
	router   *routing.Router
	voting   *voting.Engine
	breakers *resilience.BreakerRegistry
	memory   core.MemoryStore
	synth    core.Synthesizer

	clientsMu sync.RWMutex
	clients   map[string]core.ModelClient

	queue       *requestQueue
	limiter     *RateLimiter
	retryPolicy *resilience.RetryPolicy

	freeSem    chan struct{}
	premiumSem chan struct{}

	totalRequests atomic.Int64
	completed     atomic.Int64
	failedCount   atomic.Int64
	cacheHits     atomic.Int64
	retried       atomic.Int64
	rejected      atomic.Int64
	inFlight      atomic.Int64

	rateRedis  *core.RedisClient
	cacheStore *cache.RedisStore

	stopCh    chan struct{}
	started   atomic.Bool
	stopping  atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New constructs an ensemble from configuration. Redis-backed cache
// persistence and rate limiting are wired when a Redis URL is configured
// and reachable; otherwise both degrade to in-memory implementations.
func New(cfg *core.Config, logger core.Logger) (*Ensemble, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", core.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = core.NewProductionLogger(cfg.Name, cfg.Logging)
	}

	breakers := resilience.NewBreakerRegistry(cfg.Breaker, logger)
	semanticCache := cache.NewSemanticCache(cfg.Cache, logger)

	e := &Ensemble{
		config:   cfg,
		logger:   logger,
		telemetry: &core.NoOpTelemetry{},
		cache:    semanticCache,
		router:   routing.NewRouter(cfg, breakers, logger),
		voting:   voting.NewEngine(cfg, logger),
		breakers: breakers,
		memory:   core.NewInMemoryStore(),
		clients:  make(map[string]core.ModelClient),
		queue:    newRequestQueue(cfg.MaxQueue),
		limiter:  NewRateLimiter(cfg.RateLimitPerHourFree, logger),
		retryPolicy: &resilience.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   cfg.RetryDelay,
			MaxDelay:    5 * time.Second,
			Classifier:  resilience.DefaultClassifier,
		},
		freeSem:    make(chan struct{}, cfg.MaxConcurrentFree),
		premiumSem: make(chan struct{}, cfg.MaxConcurrentPremium),
		stopCh:     make(chan struct{}),
	}

	if cfg.Redis.URL != "" {
		if store, err := cache.NewRedisStore(cfg.Redis.URL, logger); err == nil {
			e.cacheStore = store
			semanticCache.SetPersistentStore(store)
		} else {
			logger.Warn("Cache persistence unavailable, running memory-only", map[string]interface{}{
				"operation": "ensemble_init",
				"error":     err.Error(),
			})
		}
		if client, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Redis.URL,
			DB:        core.RedisDBRateLimit,
			Namespace: "ratelimit",
			Logger:    logger,
		}); err == nil {
			e.rateRedis = client
			e.limiter.SetRedis(client)
		}
	}

	logger.Info("Ensemble constructed", map[string]interface{}{
		"operation":   "ensemble_init",
		"name":        cfg.Name,
		"max_queue":   cfg.MaxQueue,
		"fanout_size": cfg.FanoutSize,
		"redis":       cfg.Redis.URL != "",
	})

	return e, nil
}

// RegisterClient installs the model client for a provider. Must be called
// for every provider in the registry before Start.
func (e *Ensemble) RegisterClient(provider string, client core.ModelClient) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	e.clients[provider] = client
}

func (e *Ensemble) clientFor(provider string) core.ModelClient {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()
	return e.clients[provider]
}

// SetSynthesizer installs the synthesizer. Without one, fallback synthesis
// (passthrough or concatenation) is used for every request.
func (e *Ensemble) SetSynthesizer(s core.Synthesizer) { e.synth = s }

// SetMemoryStore replaces the in-memory conversation store.
func (e *Ensemble) SetMemoryStore(m core.MemoryStore) {
	if m != nil {
		e.memory = m
	}
}

// SetTelemetry installs a telemetry provider.
func (e *Ensemble) SetTelemetry(t core.Telemetry) {
	if t != nil {
		e.telemetry = t
	}
}

// SetMetaClient installs the evaluator client used for meta-voting.
func (e *Ensemble) SetMetaClient(c core.ModelClient) { e.voting.SetMetaClient(c) }

// Voting exposes the voting engine for supplier injection.
func (e *Ensemble) Voting() *voting.Engine { return e.voting }

// Router exposes the model router for diagnostics.
func (e *Ensemble) Router() *routing.Router { return e.router }

// Cache exposes the semantic cache for diagnostics and invalidation.
func (e *Ensemble) Cache() *cache.SemanticCache { return e.cache }

// Breakers exposes the circuit breaker registry.
func (e *Ensemble) Breakers() *resilience.BreakerRegistry { return e.breakers }

// Start launches the dispatcher. Idempotent.
func (e *Ensemble) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		e.started.Store(true)
		e.wg.Add(1)
		go e.dispatchLoop()
		e.logger.Info("Ensemble started", map[string]interface{}{
			"operation": "ensemble_start",
			"name":      e.config.Name,
		})
	})
	return nil
}

// Stop drains in-flight work and releases resources. Queued requests that
// never started receive an error envelope.
func (e *Ensemble) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.stopCh)

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}

		for {
			item, ok := e.queue.Pop()
			if !ok {
				break
			}
			item.result <- e.errorEnvelope(item.req, core.KindCancelled, "service shutting down")
		}

		e.cache.Stop()
		if e.cacheStore != nil {
			e.cacheStore.Close()
		}
		if e.rateRedis != nil {
			e.rateRedis.Close()
		}

		e.logger.Info("Ensemble stopped", map[string]interface{}{
			"operation": "ensemble_stop",
			"completed": e.completed.Load(),
			"failed":    e.failedCount.Load(),
		})
	})
	return nil
}

// HealthCheck reports subsystem health. An error is returned only when the
// runtime cannot serve requests at all.
func (e *Ensemble) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	depth := e.queue.Len()
	health := map[string]interface{}{
		"started":     e.started.Load(),
		"stopping":    e.stopping.Load(),
		"queue_depth": depth,
		"queue_max":   e.config.MaxQueue,
		"in_flight":   e.inFlight.Load(),
		"breakers":    e.breakers.States(),
		"cache_size":  e.cache.Stats().Size,
	}
	if !e.started.Load() || e.stopping.Load() {
		return health, fmt.Errorf("ensemble is not running")
	}
	if depth >= e.config.MaxQueue {
		return health, fmt.Errorf("admission queue saturated")
	}
	return health, nil
}

// Metrics returns runtime counters across subsystems.
func (e *Ensemble) Metrics() map[string]interface{} {
	cacheStats := e.cache.Stats()
	return map[string]interface{}{
		"total_requests":   e.totalRequests.Load(),
		"completed":        e.completed.Load(),
		"failed":           e.failedCount.Load(),
		"rejected":         e.rejected.Load(),
		"retried":          e.retried.Load(),
		"cache_hits":       e.cacheHits.Load(),
		"in_flight":        e.inFlight.Load(),
		"queue_depth":      e.queue.Len(),
		"cache":            cacheStats,
		"breakers":         e.breakers.States(),
		"models":           e.router.Snapshot(),
	}
}

// Run is the convenience entry point: builds a Request and executes it.
func (e *Ensemble) Run(ctx context.Context, prompt, userID, sessionID string, tier core.Tier) (*core.EnsembleResponse, error) {
	return e.RunRequest(ctx, &core.Request{
		UserPrompt: prompt,
		UserID:     userID,
		SessionID:  sessionID,
		Tier:       tier,
	})
}

// RunRequest admits a request and blocks until its envelope is ready or
// ctx is done. Admission failures return a structured error envelope, not
// an error; the error return is reserved for caller cancellation and a
// stopped runtime.
func (e *Ensemble) RunRequest(ctx context.Context, req *core.Request) (*core.EnsembleResponse, error) {
	if !e.started.Load() || e.stopping.Load() {
		return nil, fmt.Errorf("ensemble is not running")
	}
	e.totalRequests.Add(1)

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if req.Tier == "" {
		req.Tier = core.TierFree
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(e.config.Timeout(req.Tier))
	}

	if req.UserPrompt == "" || len(req.UserPrompt) > e.config.MaxPromptLength {
		e.rejected.Add(1)
		return e.errorEnvelope(req, core.KindInvalidInput, "prompt is empty or exceeds the maximum length"), nil
	}
	if !e.limiter.Allow(ctx, req.UserID, req.Tier) {
		e.rejected.Add(1)
		e.logger.Warn("Request rejected by rate limit", map[string]interface{}{
			"operation":      "admission",
			"correlation_id": req.CorrelationID,
			"user_id":        req.UserID,
		})
		return e.errorEnvelope(req, core.KindRateExceeded, "hourly request limit reached"), nil
	}

	item := &queueItem{
		req:        req,
		result:     make(chan *core.EnsembleResponse, 1),
		enqueuedAt: time.Now(),
	}
	if err := e.queue.PushTail(item); err != nil {
		e.rejected.Add(1)
		e.logger.Warn("Request rejected by full queue", map[string]interface{}{
			"operation":      "admission",
			"correlation_id": req.CorrelationID,
			"queue_depth":    e.queue.Len(),
		})
		return e.errorEnvelope(req, core.KindQueueFull, "service is at capacity, try again shortly"), nil
	}

	select {
	case resp := <-item.result:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
