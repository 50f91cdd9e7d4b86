package ensemble

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// fakeClient scripts one provider's behavior and counts invocations.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	fn    func(req core.ModelCallRequest) (*core.ModelCallResponse, error)
}

func (f *fakeClient) Call(ctx context.Context, req core.ModelCallRequest) (*core.ModelCallResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func goodReply(text string) func(core.ModelCallRequest) (*core.ModelCallResponse, error) {
	return func(req core.ModelCallRequest) (*core.ModelCallResponse, error) {
		return &core.ModelCallResponse{
			Text:      text,
			Provider:  req.Provider,
			Model:     req.Model,
			LatencyMs: 2000,
		}, nil
	}
}

func failWith(kind core.ErrorKind) func(core.ModelCallRequest) (*core.ModelCallResponse, error) {
	return func(req core.ModelCallRequest) (*core.ModelCallResponse, error) {
		return nil, &core.EnsembleError{Kind: kind, Op: "model.Call", Provider: req.Provider, Model: req.Model}
	}
}

const entropyReply = "Entropy is a measure of disorder in a thermodynamic system. It quantifies the number of microscopic configurations consistent with the macroscopic state, and in isolated systems it never decreases."

// newTestEnsemble builds a started ensemble with three providers backed by
// fake clients. Request-level retry is off unless a test enables it.
func newTestEnsemble(t *testing.T, mutate func(*core.Config)) (*Ensemble, map[string]*fakeClient) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	cfg.Breaker.FailureThreshold = 3
	if mutate != nil {
		mutate(cfg)
	}

	e, err := New(cfg, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	clients := map[string]*fakeClient{
		"openai":    {fn: goodReply(entropyReply)},
		"google":    {fn: goodReply(entropyReply + " Energy disperses over time.")},
		"anthropic": {fn: goodReply(entropyReply + " It underpins the second law.")},
	}
	for provider, client := range clients {
		e.RegisterClient(provider, client)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e, clients
}

func totalCalls(clients map[string]*fakeClient) int {
	total := 0
	for _, c := range clients {
		total += c.callCount()
	}
	return total
}

func TestRunHappyPath(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if resp.Synthesis.Status != "success" {
		t.Errorf("synthesis status = %q, want success", resp.Synthesis.Status)
	}
	if resp.Metadata.SuccessfulRoles != 3 || resp.Metadata.TotalRoles != 3 {
		t.Errorf("roles = %d/%d, want 3/3", resp.Metadata.SuccessfulRoles, resp.Metadata.TotalRoles)
	}
	if resp.Metadata.Cached {
		t.Error("first call reported cached")
	}
	if resp.Voting == nil || resp.Voting.Winner == "" {
		t.Error("voting record missing a winner")
	}
	if resp.Metadata.CorrelationID == "" {
		t.Error("correlation id missing")
	}
	if totalCalls(clients) != 3 {
		t.Errorf("model calls = %d, want 3", totalCalls(clients))
	}
}

func TestRunSecondIdenticalCallHitsCache(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)
	ctx := context.Background()

	if _, err := e.Run(ctx, "Define entropy.", "u1", "s1", core.TierFree); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	before := totalCalls(clients)

	resp, err := e.Run(ctx, "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !resp.Metadata.Cached {
		t.Error("second identical call not served from cache")
	}
	if resp.Metadata.CacheLayer == "" {
		t.Error("cache layer missing on hit")
	}
	if totalCalls(clients) != before {
		t.Errorf("cache hit invoked %d extra model calls", totalCalls(clients)-before)
	}
}

func TestRunPartialFailure(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)
	clients["google"].fn = failWith(core.KindProvider5XX)

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if resp.Metadata.SuccessfulRoles != 2 {
		t.Errorf("successful roles = %d, want 2", resp.Metadata.SuccessfulRoles)
	}
	var rejected *core.RoleResult
	for i := range resp.Roles {
		if resp.Roles[i].Provider == "google" {
			rejected = &resp.Roles[i]
		}
	}
	if rejected == nil {
		t.Fatal("google role missing from the settled set")
	}
	if rejected.Status != core.StatusRejected || rejected.ErrorKind != core.KindProvider5XX {
		t.Errorf("role = %+v, want rejected with PROVIDER_5XX", rejected)
	}
	if resp.Voting.Winner == rejected.Role {
		t.Error("rejected role won the vote")
	}

	// Three in-request attempts reach the breaker threshold.
	if !e.Breakers().IsOpen("google:gemini-1.5-flash") {
		t.Error("breaker for the failing model is not open")
	}
}

func TestRunAllModelsFail(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)
	for _, c := range clients {
		c.fn = failWith(core.KindTimeout)
	}

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run should return an envelope, got error: %v", err)
	}
	if resp.Synthesis.Status != "error" {
		t.Errorf("synthesis status = %q, want error", resp.Synthesis.Status)
	}
	if resp.Metadata.SuccessfulRoles != 0 {
		t.Errorf("successful roles = %d, want 0", resp.Metadata.SuccessfulRoles)
	}
	if resp.Metadata.Error == "" {
		t.Error("metadata error missing on terminal failure")
	}
}

func TestRunPromptTooLong(t *testing.T) {
	e, clients := newTestEnsemble(t, func(cfg *core.Config) {
		cfg.MaxPromptLength = 50
	})

	long := strings.Repeat("x", 51)
	resp, err := e.Run(context.Background(), long, "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Synthesis.Status != "error" {
		t.Errorf("status = %q, want error", resp.Synthesis.Status)
	}
	if !strings.Contains(resp.Metadata.Error, string(core.KindInvalidInput)) {
		t.Errorf("metadata error = %q, want INVALID_INPUT", resp.Metadata.Error)
	}
	if totalCalls(clients) != 0 {
		t.Error("invalid input reached the fan-out")
	}
	if e.queue.Len() != 0 {
		t.Error("invalid input occupied the queue")
	}
}

func TestRunEmptyPromptRejected(t *testing.T) {
	e, _ := newTestEnsemble(t, nil)
	resp, err := e.Run(context.Background(), "", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Synthesis.Status != "error" {
		t.Error("empty prompt accepted")
	}
}

func TestRunRateLimitRejection(t *testing.T) {
	e, _ := newTestEnsemble(t, func(cfg *core.Config) {
		cfg.RateLimitPerHourFree = 1
	})
	ctx := context.Background()

	if _, err := e.Run(ctx, "Define entropy.", "u1", "s1", core.TierFree); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	resp, err := e.Run(ctx, "Define enthalpy instead.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !strings.Contains(resp.Metadata.Error, string(core.KindRateExceeded)) {
		t.Errorf("metadata error = %q, want RATE_EXCEEDED", resp.Metadata.Error)
	}
}

func TestRunLoadReleasedOnEveryPath(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)
	ctx := context.Background()

	prompts := []string{
		"Define entropy.",
		"Explain how DNS resolution works step by step.",
		"Compare the tradeoffs of TCP versus UDP transport.",
	}
	// Mixed outcomes: success, partial, total failure.
	e.Run(ctx, prompts[0], "u1", "s1", core.TierFree)
	clients["google"].fn = failWith(core.KindProvider5XX)
	e.Run(ctx, prompts[1], "u1", "s1", core.TierFree)
	for _, c := range clients {
		c.fn = failWith(core.KindTimeout)
	}
	e.Run(ctx, prompts[2], "u1", "s1", core.TierFree)

	if load := e.Router().TotalLoad(); load != 0 {
		t.Errorf("total load = %d after all requests returned, want 0", load)
	}
}

func TestRunAuthNeverRetried(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)
	for _, c := range clients {
		c.fn = failWith(core.KindAuth)
	}

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Synthesis.Status != "error" {
		t.Error("expected a terminal failure")
	}
	for provider, c := range clients {
		if c.callCount() != 1 {
			t.Errorf("provider %s invoked %d times, want exactly 1 for AUTH", provider, c.callCount())
		}
	}
}

func TestRunExpiredDeadlineSkipsModelCalls(t *testing.T) {
	e, clients := newTestEnsemble(t, nil)

	resp, err := e.RunRequest(context.Background(), &core.Request{
		UserPrompt: "Define entropy.",
		UserID:     "u1",
		SessionID:  "s1",
		Tier:       core.TierFree,
		Deadline:   time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("RunRequest failed: %v", err)
	}
	if resp.Synthesis.Status != "error" {
		t.Error("expired deadline produced a success envelope")
	}
	if totalCalls(clients) != 0 {
		t.Errorf("model calls = %d after expired deadline, want 0", totalCalls(clients))
	}
	if load := e.Router().TotalLoad(); load != 0 {
		t.Errorf("total load = %d, want 0", load)
	}
}

func TestRunRequestLevelRetry(t *testing.T) {
	e, clients := newTestEnsemble(t, func(cfg *core.Config) {
		cfg.RetryAttempts = 1
		cfg.Breaker.FailureThreshold = 10
	})
	// One attempt per model per wave so only the request-level retry kicks in.
	e.retryPolicy.MaxAttempts = 1

	// Every model fails its first call and succeeds afterwards.
	for _, c := range clients {
		client := c
		var mu sync.Mutex
		failed := false
		client.fn = func(req core.ModelCallRequest) (*core.ModelCallResponse, error) {
			mu.Lock()
			first := !failed
			failed = true
			mu.Unlock()
			if first {
				return nil, &core.EnsembleError{Kind: core.KindRateLimited, Provider: req.Provider, Model: req.Model}
			}
			return goodReply(entropyReply)(req)
		}
	}

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Synthesis.Status != "success" {
		t.Errorf("status = %q, want success after request-level retry", resp.Synthesis.Status)
	}
}

func TestRunWithSynthesizer(t *testing.T) {
	e, _ := newTestEnsemble(t, nil)
	e.SetSynthesizer(NewModelSynthesizer(
		&fakeClient{fn: goodReply("Unified: entropy measures disorder and energy dispersal in thermodynamic systems.")},
		"openai", "gpt-4o-mini", 800, nil,
	))

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Synthesis.FallbackReason != "" {
		t.Errorf("fallback reason = %q, want empty with a working synthesizer", resp.Synthesis.FallbackReason)
	}
	if !strings.HasPrefix(resp.Synthesis.Content, "Unified:") {
		t.Errorf("content = %q, want synthesizer output", resp.Synthesis.Content)
	}
}

func TestRunFallbackSynthesisConcatenates(t *testing.T) {
	e, _ := newTestEnsemble(t, nil)

	resp, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Synthesis.FallbackReason == "" {
		t.Error("fallback reason missing without a synthesizer")
	}
	if !strings.Contains(resp.Synthesis.Content, "### ") {
		t.Error("multi-reply fallback should concatenate with headings")
	}
}

func TestHealthCheckAndMetrics(t *testing.T) {
	e, _ := newTestEnsemble(t, nil)
	ctx := context.Background()

	health, err := e.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if health["started"] != true {
		t.Error("health reports not started")
	}

	e.Run(ctx, "Define entropy.", "u1", "s1", core.TierFree)
	metrics := e.Metrics()
	if metrics["total_requests"].(int64) != 1 {
		t.Errorf("total_requests = %v, want 1", metrics["total_requests"])
	}
	if metrics["completed"].(int64) != 1 {
		t.Errorf("completed = %v, want 1", metrics["completed"])
	}
}

func TestRunAfterStopFails(t *testing.T) {
	cfg := core.DefaultConfig()
	e, err := New(cfg, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.Start(context.Background())
	e.Stop(context.Background())

	if _, err := e.Run(context.Background(), "Define entropy.", "u1", "s1", core.TierFree); err == nil {
		t.Error("Run succeeded on a stopped ensemble")
	}
}
