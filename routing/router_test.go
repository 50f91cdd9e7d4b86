package routing

import (
	"context"
	"testing"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
	"github.com/salscrudato/neurastack-backend-sub006/resilience"
)

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Models = []core.ModelDescriptor{
		{
			Name: "gpt-4o-mini", Provider: "openai",
			CostPerKToken: 0.00015,
			Specialties:   map[string]bool{"general": true, "conversational": true},
			BaselineReliability: 0.95,
		},
		{
			Name: "gemini-1.5-flash", Provider: "google",
			CostPerKToken: 0.000075,
			Specialties:   map[string]bool{"general": true, "factual": true},
			BaselineReliability: 0.93,
		},
		{
			Name: "claude-3-5-haiku", Provider: "anthropic",
			CostPerKToken: 0.0008,
			Specialties:   map[string]bool{"analytical": true, "technical": true},
			BaselineReliability: 0.96,
		},
		{
			Name: "gpt-4o", Provider: "openai",
			CostPerKToken: 0.0025,
			Specialties:   map[string]bool{"creative": true, "analytical": true},
			BaselineReliability: 0.97,
		},
	}
	return cfg
}

func newTestRouter(cfg *core.Config) (*Router, *resilience.BreakerRegistry) {
	breakers := resilience.NewBreakerRegistry(cfg.Breaker, nil)
	return NewRouter(cfg, breakers, nil), breakers
}

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"Write a short story about a lighthouse", ClassCreative},
		{"Debug this stack trace from my program", ClassTechnical},
		{"Analyze the tradeoffs of microservices", ClassAnalytical},
		{"Explain how DNS resolution works", ClassExplanatory},
		{"What do you think about this plan?", ClassConversational},
		{"What is the boiling point of water?", ClassFactual},
		{"Something entirely else", ClassGeneral},
	}
	for _, tt := range tests {
		if got := ClassifyRequest(tt.prompt); got != tt.want {
			t.Errorf("ClassifyRequest(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestSelectReturnsDistinctProvidersFirst(t *testing.T) {
	router, _ := newTestRouter(testConfig())

	selected := router.Select("What is the capital of France?", core.TierFree, 3)
	defer router.Release(selected)

	if len(selected) != 3 {
		t.Fatalf("selected %d models, want 3", len(selected))
	}
	providers := make(map[string]bool)
	for _, m := range selected {
		providers[m.Provider] = true
	}
	if len(providers) != 3 {
		t.Errorf("got %d distinct providers, want 3: %v", len(providers), selected)
	}
}

func TestSelectFillsByScoreWhenProvidersExhausted(t *testing.T) {
	router, _ := newTestRouter(testConfig())

	selected := router.Select("hello", core.TierFree, 4)
	defer router.Release(selected)

	if len(selected) != 4 {
		t.Fatalf("selected %d models, want 4", len(selected))
	}
	seen := make(map[string]bool)
	for _, m := range selected {
		if seen[m.Key()] {
			t.Errorf("duplicate model %s", m.Key())
		}
		seen[m.Key()] = true
	}
}

func TestSelectExcludesOpenBreakers(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	router, breakers := newTestRouter(cfg)

	failure := &core.EnsembleError{Kind: core.KindProvider5XX}
	breakers.For("anthropic:claude-3-5-haiku").Execute(context.Background(), func() error { return failure })

	selected := router.Select("Analyze the tradeoffs here", core.TierFree, 4)
	defer router.Release(selected)

	for _, m := range selected {
		if m.Key() == "anthropic:claude-3-5-haiku" {
			t.Error("open-breaker model was selected")
		}
	}
}

func TestSelectFallbackWhenAllBreakersOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	router, breakers := newTestRouter(cfg)

	failure := &core.EnsembleError{Kind: core.KindTimeout}
	for _, m := range cfg.Models {
		breakers.For(m.Key()).Execute(context.Background(), func() error { return failure })
	}

	selected := router.Select("anything", core.TierFree, 3)
	defer router.Release(selected)

	if len(selected) != 3 {
		t.Fatalf("fallback returned %d models, want 3", len(selected))
	}
	if selected[0].Key() != "google:gemini-1.5-flash" {
		t.Errorf("fallback order starts with %s, want the cheap model", selected[0].Key())
	}
}

func TestLoadReserveAndRelease(t *testing.T) {
	router, _ := newTestRouter(testConfig())

	if router.TotalLoad() != 0 {
		t.Fatalf("initial load = %d, want 0", router.TotalLoad())
	}

	selected := router.Select("hello", core.TierFree, 3)
	if router.TotalLoad() != 3 {
		t.Errorf("load after select = %d, want 3", router.TotalLoad())
	}

	router.Release(selected)
	if router.TotalLoad() != 0 {
		t.Errorf("load after release = %d, want 0", router.TotalLoad())
	}

	// Double release must not go negative.
	router.Release(selected)
	if router.TotalLoad() != 0 {
		t.Errorf("load after double release = %d, want 0", router.TotalLoad())
	}
}

func TestSpecialtyScoringPrefersMatch(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Models = []core.ModelDescriptor{
		{
			Name: "generalist", Provider: "a", CostPerKToken: 0.0001,
			Specialties:         map[string]bool{"general": true},
			BaselineReliability: 0.95,
		},
		{
			Name: "specialist", Provider: "b", CostPerKToken: 0.0001,
			Specialties:         map[string]bool{"analytical": true},
			BaselineReliability: 0.95,
		},
	}
	router, _ := newTestRouter(cfg)

	selected := router.Select("Analyze the tradeoffs of caching strategies", core.TierPremium, 1)
	defer router.Release(selected)

	if len(selected) != 1 {
		t.Fatalf("selected %d models, want 1", len(selected))
	}
	if selected[0].Name != "specialist" {
		t.Errorf("winner = %s, want the specialty match", selected[0].Name)
	}
}

func TestRecordOutcomeFeedsScoring(t *testing.T) {
	router, _ := newTestRouter(testConfig())

	// Degrade one model heavily.
	for i := 0; i < 20; i++ {
		router.RecordOutcome("google:gemini-1.5-flash", false, 25*time.Second, 0.1)
	}
	snap := router.Snapshot()["google:gemini-1.5-flash"]
	if snap.TotalRequests != 20 || snap.FailureCount != 20 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SuccessRate != 0 {
		t.Errorf("success rate = %f, want 0", snap.SuccessRate)
	}

	selected := router.Select("What is the capital of France?", core.TierFree, 1)
	defer router.Release(selected)
	if selected[0].Key() == "google:gemini-1.5-flash" {
		t.Error("degraded model still wins selection")
	}
}

func TestRoleFor(t *testing.T) {
	m := core.ModelDescriptor{Name: "gpt-4o-mini", Provider: "openai"}
	if got := RoleFor(m); got != "gpt4omini" {
		t.Errorf("RoleFor = %q, want gpt4omini", got)
	}
}
