package voting

import (
	"sync"
)

// HistoricalWeights supplies a per-model multiplicative factor from
// long-window quality history. 1.0 means no adjustment.
type HistoricalWeights interface {
	Factor(modelKey string) float64
}

// BrierReliability supplies a per-model calibration score in [0,1]
// derived from how well the model's reported confidence predicts actual
// success.
type BrierReliability interface {
	Reliability(modelKey string) float64
}

const supplierAlpha = 0.1

// EMAHistory is the default HistoricalWeights implementation: an
// exponential moving average of observed quality per model, mapped into a
// factor centered at 1.0.
type EMAHistory struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewEMAHistory creates an empty history.
func NewEMAHistory() *EMAHistory {
	return &EMAHistory{scores: make(map[string]float64)}
}

// Record folds one observed quality score into the model's average.
func (h *EMAHistory) Record(modelKey string, quality float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.scores[modelKey]
	if !ok {
		h.scores[modelKey] = quality
		return
	}
	h.scores[modelKey] = supplierAlpha*quality + (1-supplierAlpha)*prev
}

// Factor maps the quality average into [0.5, 1.5], defaulting to 1.0 for
// unseen models.
func (h *EMAHistory) Factor(modelKey string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	score, ok := h.scores[modelKey]
	if !ok {
		return 1.0
	}
	return 0.5 + score
}

// EMABrier is the default BrierReliability implementation: an exponential
// moving average of per-call Brier scores.
type EMABrier struct {
	mu     sync.RWMutex
	briers map[string]float64
}

// NewEMABrier creates an empty calibration tracker.
func NewEMABrier() *EMABrier {
	return &EMABrier{briers: make(map[string]float64)}
}

// Record folds one (reported confidence, actual outcome) pair into the
// model's Brier average.
func (b *EMABrier) Record(modelKey string, confidence float64, ok bool) {
	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	brier := (confidence - outcome) * (confidence - outcome)

	b.mu.Lock()
	defer b.mu.Unlock()
	prev, seen := b.briers[modelKey]
	if !seen {
		b.briers[modelKey] = brier
		return
	}
	b.briers[modelKey] = supplierAlpha*brier + (1-supplierAlpha)*prev
}

// Reliability returns 1 - brier, defaulting to 0.5 for unseen models.
func (b *EMABrier) Reliability(modelKey string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	brier, ok := b.briers[modelKey]
	if !ok {
		return 0.5
	}
	return 1 - brier
}
