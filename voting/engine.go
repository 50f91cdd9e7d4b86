// Package voting computes hybrid weights across per-model replies,
// labels consensus, breaks ties through a strategy cascade with optional
// AI-assisted meta-voting, and decides abstention.
package voting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/cache"
	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// Hybrid weight composition.
const (
	hybridTraditional = 0.30
	hybridDiversity   = 0.20
	hybridHistorical  = 0.25
	hybridSemantic    = 0.15
	hybridReliability = 0.10

	hybridFloor = 0.01

	// tieMargin is the winner margin at or under which the tie-break
	// cascade fires.
	tieMargin = 0.02
)

// Input carries everything one Vote call needs. Semantic holds optional
// per-role confidence scores in [0,1]; roles without one default to 0.5.
type Input struct {
	Prompt        string
	CorrelationID string
	Roles         []core.RoleResult
	Semantic      map[string]float64
}

// Engine is the voting engine. Suppliers and the meta-voting client are
// pluggable; defaults are EMA-backed in-process implementations and no
// meta-voting.
type Engine struct {
	metaConfig    core.MetaVoterConfig
	abstainConfig core.AbstentionConfig

	historical HistoricalWeights
	brier      BrierReliability
	metaClient core.ModelClient
	logger     core.Logger

	requeryMu sync.Mutex
	requery   map[string]int
}

// NewEngine creates a voting engine with default suppliers.
func NewEngine(cfg *core.Config, logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Engine{
		metaConfig:    cfg.MetaVoter,
		abstainConfig: cfg.Abstention,
		historical:    NewEMAHistory(),
		brier:         NewEMABrier(),
		logger:        logger,
		requery:       make(map[string]int),
	}
}

// SetHistoricalWeights replaces the historical factor supplier.
func (e *Engine) SetHistoricalWeights(h HistoricalWeights) {
	if h != nil {
		e.historical = h
	}
}

// SetBrierReliability replaces the calibration supplier.
func (e *Engine) SetBrierReliability(b BrierReliability) {
	if b != nil {
		e.brier = b
	}
}

// SetMetaClient attaches the model client used for meta-voting. Without
// one the meta-voting stage is skipped even when enabled.
func (e *Engine) SetMetaClient(c core.ModelClient) {
	e.metaClient = c
}

// roleVote is the per-role working state during one Vote call.
type roleVote struct {
	role    core.RoleResult
	vector  cache.PromptVector
	weights core.RoleWeights
}

// Vote runs the full pipeline over the settled role set and returns a
// structured record with every intermediate. An empty fulfilled set yields
// winner "" and consensus none.
func (e *Engine) Vote(ctx context.Context, in Input) *core.VoteResult {
	var votes []*roleVote
	for _, r := range in.Roles {
		if r.Fulfilled() {
			votes = append(votes, &roleVote{role: r, vector: cache.Vectorize(r.Content)})
		}
	}

	result := &core.VoteResult{
		Weights:      make(map[string]core.RoleWeights),
		FeaturesUsed: []string{},
	}
	if len(votes) == 0 {
		result.Consensus = core.ConsensusNone
		return result
	}

	e.traditionalWeights(votes)
	e.diversityWeights(votes)
	e.historicalWeights(votes)
	e.semanticWeights(votes, in.Semantic)
	e.reliabilityWeights(votes)
	e.hybridWeights(votes)
	result.FeaturesUsed = append(result.FeaturesUsed,
		"traditional", "diversity", "historical", "semantic", "reliability", "hybrid")

	sort.SliceStable(votes, func(i, j int) bool {
		return votes[i].weights.Hybrid > votes[j].weights.Hybrid
	})
	for _, v := range votes {
		result.Weights[v.role.Role] = v.weights
	}

	top := votes[0].weights.Hybrid
	margin := top
	if len(votes) > 1 {
		margin = top - votes[1].weights.Hybrid
	}
	result.Winner = votes[0].role.Role
	result.Confidence = top
	result.Consensus = consensusFor(top, margin)

	threeWay := len(votes) >= 3 && top-votes[2].weights.Hybrid <= tieMargin
	if margin <= tieMargin || weakConsensus(result.Consensus) || threeWay {
		tb := e.breakTie(ctx, in, votes)
		result.TieBreaking = tb
		result.FeaturesUsed = append(result.FeaturesUsed, "tie_breaking")
		if tb.Used && tb.Winner != "" {
			result.Winner = tb.Winner
			result.Confidence = tb.Confidence
		}
	}

	if e.metaEligible(result, margin) {
		mv := e.metaVote(ctx, in, votes)
		result.MetaVoting = mv
		result.FeaturesUsed = append(result.FeaturesUsed, "meta_voting")
		if mv.Used && !mv.Failed && mv.Winner != "" {
			result.Winner = mv.Winner
			result.Confidence = mv.Confidence
		}
	}

	if ab := e.abstention(in.CorrelationID, result); ab != nil {
		result.Abstention = ab
		result.FeaturesUsed = append(result.FeaturesUsed, "abstention")
	}

	e.logger.Debug("Vote computed", map[string]interface{}{
		"operation":      "vote",
		"correlation_id": in.CorrelationID,
		"winner":         result.Winner,
		"confidence":     result.Confidence,
		"consensus":      string(result.Consensus),
		"roles":          len(votes),
	})

	return result
}

// traditionalWeights computes confidence-based weights with latency and
// length multipliers, normalized to sum 1.
func (e *Engine) traditionalWeights(votes []*roleVote) {
	sum := 0.0
	for _, v := range votes {
		w := v.role.Confidence
		latency := time.Duration(v.role.LatencyMs) * time.Millisecond
		if latency < 3*time.Second {
			w *= 1.1
		} else if latency > 15*time.Second {
			w *= 0.9
		}
		length := len(v.role.Content)
		if length >= 50 && length < 2000 {
			w *= 1.05
		} else if length < 20 {
			w *= 0.8
		}
		v.weights.Traditional = w
		sum += w
	}
	if sum > 0 {
		for _, v := range votes {
			v.weights.Traditional /= sum
		}
	} else {
		for _, v := range votes {
			v.weights.Traditional = 1.0 / float64(len(votes))
		}
	}
}

// diversityWeights assigns 1 + mean cosine distance to the other replies.
// A lone reply gets exactly 1.
func (e *Engine) diversityWeights(votes []*roleVote) {
	for i, v := range votes {
		if len(votes) == 1 {
			v.weights.Diversity = 1
			continue
		}
		total := 0.0
		for j, other := range votes {
			if i == j {
				continue
			}
			total += 1 - cache.Cosine(v.vector, other.vector)
		}
		v.weights.Diversity = 1 + total/float64(len(votes)-1)
	}
}

func (e *Engine) historicalWeights(votes []*roleVote) {
	for _, v := range votes {
		v.weights.Historical = e.historical.Factor(modelKey(v.role))
	}
}

func (e *Engine) semanticWeights(votes []*roleVote, semantic map[string]float64) {
	for _, v := range votes {
		score, ok := semantic[v.role.Role]
		if !ok {
			score = 0.5
		}
		v.weights.Semantic = score
	}
}

// reliabilityWeights derives a heuristic from the role itself.
func (e *Engine) reliabilityWeights(votes []*roleVote) {
	for _, v := range votes {
		w := 0.5
		if time.Duration(v.role.LatencyMs)*time.Millisecond < 10*time.Second {
			w += 0.2
		}
		if len(v.role.Content) > 100 {
			w += 0.1
		}
		if v.role.Confidence > 0.7 {
			w += 0.2
		}
		if w > 1 {
			w = 1
		}
		v.weights.Reliability = w
	}
}

// hybridWeights combines every component, floors at 0.01, and normalizes
// to sum exactly 1.
func (e *Engine) hybridWeights(votes []*roleVote) {
	sum := 0.0
	for _, v := range votes {
		w := hybridTraditional*v.weights.Traditional +
			hybridDiversity*(v.weights.Diversity-1) +
			hybridHistorical*(v.weights.Historical-1) +
			hybridSemantic*v.weights.Semantic +
			hybridReliability*v.weights.Reliability
		if w < hybridFloor {
			w = hybridFloor
		}
		v.weights.Hybrid = w
		sum += w
	}
	for _, v := range votes {
		v.weights.Hybrid /= sum
	}
}

// consensusFor labels how decisively the ensemble agreed based on the top
// normalized weight and its margin over the runner-up.
func consensusFor(top, margin float64) core.ConsensusStrength {
	switch {
	case top > 0.7 && margin > 0.3:
		return core.ConsensusVeryStrong
	case top > 0.6 && margin > 0.2:
		return core.ConsensusStrong
	case top > 0.45:
		return core.ConsensusModerate
	case top > 0.35:
		return core.ConsensusWeak
	default:
		return core.ConsensusVeryWeak
	}
}

func weakConsensus(c core.ConsensusStrength) bool {
	return c == core.ConsensusWeak || c == core.ConsensusVeryWeak
}

// consensusRank orders strengths for threshold comparisons.
func consensusRank(c core.ConsensusStrength) int {
	switch c {
	case core.ConsensusVeryStrong:
		return 5
	case core.ConsensusStrong:
		return 4
	case core.ConsensusModerate:
		return 3
	case core.ConsensusWeak:
		return 2
	case core.ConsensusVeryWeak:
		return 1
	default:
		return 0
	}
}

func (e *Engine) metaEligible(result *core.VoteResult, margin float64) bool {
	if !e.metaConfig.Enabled || e.metaClient == nil {
		return false
	}
	if margin <= e.metaConfig.MaxWeightDifference {
		return true
	}
	return consensusRank(result.Consensus) <= consensusRank(e.metaConfig.MinConsensusStrength)
}

// abstention decides whether to recommend not answering. Fires only on
// very-weak consensus when no tie-break lifted confidence above the
// threshold and the correlation's re-query budget is not exhausted.
func (e *Engine) abstention(correlationID string, result *core.VoteResult) *core.AbstentionResult {
	if result.Consensus != core.ConsensusVeryWeak {
		return nil
	}
	if result.Confidence > e.abstainConfig.AbstainThreshold {
		return nil
	}

	e.requeryMu.Lock()
	count := e.requery[correlationID]
	e.requeryMu.Unlock()
	if count >= e.abstainConfig.MaxRequery {
		return &core.AbstentionResult{
			ShouldAbstain: false,
			Reason:        "requery budget exhausted",
		}
	}

	strategies := []string{"rephrase", "expand_model_set", "raise_token_budget"}
	return &core.AbstentionResult{
		ShouldAbstain: true,
		Strategy:      strategies[count%len(strategies)],
		Reason:        "very weak consensus below abstain threshold",
	}
}

// RegisterRequery advances the re-query counter for a correlation id.
// Called by the runner when it acts on an abstention recommendation.
func (e *Engine) RegisterRequery(correlationID string) int {
	e.requeryMu.Lock()
	defer e.requeryMu.Unlock()
	e.requery[correlationID]++
	return e.requery[correlationID]
}

// RecordOutcome feeds the default suppliers after a request completes.
// No-op when custom suppliers are installed.
func (e *Engine) RecordOutcome(role core.RoleResult, quality float64) {
	key := modelKey(role)
	if h, ok := e.historical.(*EMAHistory); ok && role.Fulfilled() {
		h.Record(key, quality)
	}
	if b, ok := e.brier.(*EMABrier); ok {
		b.Record(key, role.Confidence, role.Fulfilled())
	}
}

func modelKey(r core.RoleResult) string {
	return r.Provider + ":" + r.Model
}
