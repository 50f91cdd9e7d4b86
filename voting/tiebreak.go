package voting

import (
	"context"
	"math/rand"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// minStrategyConfidence is the floor a cascade strategy must report for
// its candidate to be accepted.
const minStrategyConfidence = 0.1

// tieStrategy proposes a winner with a strategy-specific confidence. ok is
// false when the strategy cannot run at all.
type tieStrategy func(ctx context.Context, in Input, votes []*roleVote) (winner string, confidence float64, ok bool)

// breakTie runs the strategy cascade in order, stopping at the first
// candidate reported with sufficient confidence. emergency_fallback always
// terminates the cascade: the traditional winner with confidence halved.
func (e *Engine) breakTie(ctx context.Context, in Input, votes []*roleVote) *core.TieBreakResult {
	strategies := []struct {
		name string
		fn   tieStrategy
	}{
		{"historical_performance", e.tieByHistorical},
		{"diversity_weighted", e.tieByDiversity},
		{"brier_calibrated", e.tieByBrier},
		{"response_time_adjusted", e.tieByResponseTime},
		{"semantic_confidence", e.tieBySemantic},
		{"meta_voting", e.tieByMetaVote},
		{"random_selection", e.tieByRandom},
	}

	for _, s := range strategies {
		winner, confidence, ok := s.fn(ctx, in, votes)
		if !ok || confidence < minStrategyConfidence {
			continue
		}
		e.logger.Debug("Tie broken", map[string]interface{}{
			"operation":      "tie_break",
			"correlation_id": in.CorrelationID,
			"strategy":       s.name,
			"winner":         winner,
			"confidence":     confidence,
		})
		return &core.TieBreakResult{
			Used:       true,
			Strategy:   s.name,
			Winner:     winner,
			Confidence: confidence,
		}
	}

	// Every strategy declined; keep the traditional winner at half
	// confidence.
	best := votes[0]
	for _, v := range votes[1:] {
		if v.weights.Traditional > best.weights.Traditional {
			best = v
		}
	}
	return &core.TieBreakResult{
		Used:       true,
		Strategy:   "emergency_fallback",
		Winner:     best.role.Role,
		Confidence: best.weights.Traditional / 2,
	}
}

// argmaxWithMargin returns the top role by score and the gap to the
// runner-up, which serves as the strategy confidence.
func argmaxWithMargin(votes []*roleVote, score func(*roleVote) float64) (string, float64) {
	best, second := votes[0], (*roleVote)(nil)
	for _, v := range votes[1:] {
		switch {
		case score(v) > score(best):
			second = best
			best = v
		case second == nil || score(v) > score(second):
			second = v
		}
	}
	if second == nil {
		return best.role.Role, score(best)
	}
	return best.role.Role, score(best) - score(second)
}

func (e *Engine) tieByHistorical(_ context.Context, _ Input, votes []*roleVote) (string, float64, bool) {
	winner, margin := argmaxWithMargin(votes, func(v *roleVote) float64 { return v.weights.Historical })
	return winner, margin, true
}

func (e *Engine) tieByDiversity(_ context.Context, _ Input, votes []*roleVote) (string, float64, bool) {
	winner, margin := argmaxWithMargin(votes, func(v *roleVote) float64 { return v.weights.Diversity - 1 })
	return winner, margin, true
}

func (e *Engine) tieByBrier(_ context.Context, _ Input, votes []*roleVote) (string, float64, bool) {
	winner, margin := argmaxWithMargin(votes, func(v *roleVote) float64 {
		return e.brier.Reliability(modelKey(v.role))
	})
	return winner, margin, true
}

// tieByResponseTime prefers the fastest reply, confident in proportion to
// how much faster it was.
func (e *Engine) tieByResponseTime(_ context.Context, _ Input, votes []*roleVote) (string, float64, bool) {
	best, second := votes[0], (*roleVote)(nil)
	for _, v := range votes[1:] {
		switch {
		case v.role.LatencyMs < best.role.LatencyMs:
			second = best
			best = v
		case second == nil || v.role.LatencyMs < second.role.LatencyMs:
			second = v
		}
	}
	if second == nil || second.role.LatencyMs == 0 {
		return best.role.Role, 0, true
	}
	confidence := float64(second.role.LatencyMs-best.role.LatencyMs) / float64(second.role.LatencyMs)
	return best.role.Role, confidence, true
}

func (e *Engine) tieBySemantic(_ context.Context, in Input, votes []*roleVote) (string, float64, bool) {
	if len(in.Semantic) == 0 {
		return "", 0, false
	}
	winner, margin := argmaxWithMargin(votes, func(v *roleVote) float64 { return v.weights.Semantic })
	return winner, margin, true
}

func (e *Engine) tieByMetaVote(ctx context.Context, in Input, votes []*roleVote) (string, float64, bool) {
	if !e.metaConfig.Enabled || e.metaClient == nil {
		return "", 0, false
	}
	mv := e.metaVote(ctx, in, votes)
	if mv.Failed || mv.Winner == "" {
		return "", 0, false
	}
	return mv.Winner, mv.Confidence, true
}

// tieByRandom picks uniformly among the cluster within the tie margin of
// the top hybrid weight.
func (e *Engine) tieByRandom(_ context.Context, _ Input, votes []*roleVote) (string, float64, bool) {
	top := votes[0].weights.Hybrid
	var cluster []*roleVote
	for _, v := range votes {
		if top-v.weights.Hybrid <= tieMargin {
			cluster = append(cluster, v)
		}
	}
	pick := cluster[rand.Intn(len(cluster))]
	return pick.role.Role, minStrategyConfidence, true
}
