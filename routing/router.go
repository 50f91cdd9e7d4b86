package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
	"github.com/salscrudato/neurastack-backend-sub006/resilience"
)

// Composite score weights.
const (
	weightPerformance = 0.25
	weightCost        = 0.20
	weightSpecialty   = 0.25
	weightReliability = 0.20
	weightLoad        = 0.10
)

// latencyHorizon is the latency at which the performance latency term
// bottoms out.
const latencyHorizon = 30 * time.Second

// tierBudget returns the cost-per-thousand-tokens budget against which
// model cost is scored.
func tierBudget(tier core.Tier) float64 {
	if tier == core.TierPremium {
		return 1e-3
	}
	return 3e-4
}

// Router selects a diverse subset of healthy models for each request. It
// owns per-model runtime state; load reservations made by Select must be
// released by the caller on completion.
type Router struct {
	models   []core.ModelDescriptor
	states   map[string]*ModelState
	breakers *resilience.BreakerRegistry
	fallback []string
	maxLoad  int
	logger   core.Logger
}

// scored pairs a candidate with its composite score during selection.
type scored struct {
	descriptor core.ModelDescriptor
	score      float64
}

// NewRouter builds a router over the configured registry.
func NewRouter(cfg *core.Config, breakers *resilience.BreakerRegistry, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	models := cfg.Models
	if len(models) == 0 {
		models = core.DefaultModelRegistry()
	}
	fallback := cfg.FallbackModels
	if len(fallback) == 0 {
		fallback = core.DefaultFallbackModels()
	}
	maxLoad := cfg.MaxConcurrentFree
	if cfg.MaxConcurrentPremium > maxLoad {
		maxLoad = cfg.MaxConcurrentPremium
	}

	states := make(map[string]*ModelState, len(models))
	for _, m := range models {
		states[m.Key()] = &ModelState{}
	}

	return &Router{
		models:   models,
		states:   states,
		breakers: breakers,
		fallback: fallback,
		maxLoad:  maxLoad,
		logger:   logger,
	}
}

// Select returns k distinct models for the prompt, load already reserved.
// Breaker-open models are excluded, candidates are scored, and the result
// prefers one model per provider before filling by score. When selection
// cannot produce a usable set, the fixed fallback triple is returned
// instead.
func (r *Router) Select(prompt string, tier core.Tier, k int) []core.ModelDescriptor {
	selected, err := r.selectScored(prompt, tier, k)
	if err != nil {
		r.logger.Warn("Model selection failed, using fallback triple", map[string]interface{}{
			"operation": "model_select",
			"error":     err.Error(),
		})
		selected = r.fallbackModels(k)
	}

	for _, m := range selected {
		if state := r.states[m.Key()]; state != nil {
			state.Reserve()
		}
	}
	return selected
}

func (r *Router) selectScored(prompt string, tier core.Tier, k int) ([]core.ModelDescriptor, error) {
	if k < 1 {
		return nil, fmt.Errorf("selection size must be at least 1, got %d", k)
	}

	var available []core.ModelDescriptor
	for _, m := range r.models {
		if r.breakers != nil && r.breakers.IsOpen(m.Key()) {
			r.logger.Debug("Model excluded by open breaker", map[string]interface{}{
				"operation": "model_select",
				"model":     m.Key(),
			})
			continue
		}
		available = append(available, m)
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no models available after breaker filter")
	}

	class := ClassifyRequest(prompt)
	candidates := make([]scored, 0, len(available))
	for _, m := range available {
		candidates = append(candidates, scored{m, r.score(m, class, tier)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	selected := diversify(candidates, k)

	keys := make([]string, len(selected))
	for i, m := range selected {
		keys[i] = m.Key()
	}
	r.logger.Debug("Models selected", map[string]interface{}{
		"operation":     "model_select",
		"request_class": class,
		"tier":          string(tier),
		"selected":      strings.Join(keys, ","),
	})

	return selected, nil
}

// score computes the composite [0,1] score for one candidate.
func (r *Router) score(m core.ModelDescriptor, class string, tier core.Tier) float64 {
	performance := 0.7
	if state := r.states[m.Key()]; state != nil && state.Used() {
		emaLatency, emaQuality := state.Averages()
		latencyTerm := 1 - float64(emaLatency)/float64(latencyHorizon)
		if latencyTerm < 0 {
			latencyTerm = 0
		}
		performance = 0.4*state.SuccessRate() + 0.3*latencyTerm + 0.3*emaQuality
	}

	cost := 1 - m.CostPerKToken/tierBudget(tier)
	if cost < 0 {
		cost = 0
	}

	specialty := 0.5
	switch {
	case m.HasSpecialty(class):
		specialty = 1.0
	case m.HasSpecialty(ClassGeneral):
		specialty = 0.7
	}

	load := 1.0
	if state := r.states[m.Key()]; state != nil && r.maxLoad > 0 {
		load = 1 - float64(state.Load())/float64(r.maxLoad)
		if load < 0 {
			load = 0
		}
	}

	score := weightPerformance*performance +
		weightCost*cost +
		weightSpecialty*specialty +
		weightReliability*m.BaselineReliability +
		weightLoad*load
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// diversify walks candidates by descending score taking the best from each
// distinct provider first, then fills remaining slots by score.
func diversify(candidates []scored, k int) []core.ModelDescriptor {
	selected := make([]core.ModelDescriptor, 0, k)
	taken := make(map[string]bool)
	providers := make(map[string]bool)

	for _, c := range candidates {
		if len(selected) == k {
			return selected
		}
		if providers[c.descriptor.Provider] {
			continue
		}
		providers[c.descriptor.Provider] = true
		taken[c.descriptor.Key()] = true
		selected = append(selected, c.descriptor)
	}
	for _, c := range candidates {
		if len(selected) == k {
			break
		}
		if taken[c.descriptor.Key()] {
			continue
		}
		taken[c.descriptor.Key()] = true
		selected = append(selected, c.descriptor)
	}
	return selected
}

// fallbackModels resolves the fixed cheap/medium/safer triple against the
// registry, synthesizing a minimal descriptor for keys the registry does
// not list.
func (r *Router) fallbackModels(k int) []core.ModelDescriptor {
	byKey := make(map[string]core.ModelDescriptor, len(r.models))
	for _, m := range r.models {
		byKey[m.Key()] = m
	}

	var out []core.ModelDescriptor
	for _, key := range r.fallback {
		if len(out) == k {
			break
		}
		if m, ok := byKey[key]; ok {
			out = append(out, m)
			continue
		}
		provider, name := splitKey(key)
		out = append(out, core.ModelDescriptor{
			Name:                name,
			Provider:            provider,
			BaselineReliability: 0.9,
		})
	}
	return out
}

func splitKey(key string) (provider, name string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// Release returns the load reserved for the given models. Safe to call
// with models the router never reserved.
func (r *Router) Release(models []core.ModelDescriptor) {
	for _, m := range models {
		if state := r.states[m.Key()]; state != nil {
			state.Release()
		}
	}
}

// RecordOutcome folds a completed task into the model's runtime state.
func (r *Router) RecordOutcome(key string, ok bool, latency time.Duration, quality float64) {
	if state := r.states[key]; state != nil {
		state.RecordOutcome(ok, latency, quality)
	}
}

// RoleFor derives the stable vote-identity label for a model: its name
// with separators removed, e.g. "gpt-4o-mini" becomes "gpt4omini".
func RoleFor(m core.ModelDescriptor) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', '_', ':':
			return -1
		}
		return r
	}, strings.ToLower(m.Name))
}

// TotalLoad sums current load across every model.
func (r *Router) TotalLoad() int {
	total := 0
	for _, state := range r.states {
		total += state.Load()
	}
	return total
}

// Snapshot returns per-model runtime state for diagnostics.
func (r *Router) Snapshot() map[string]StateSnapshot {
	out := make(map[string]StateSnapshot, len(r.states))
	for key, state := range r.states {
		out[key] = state.Snapshot()
	}
	return out
}
