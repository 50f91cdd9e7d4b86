package routing

import (
	"sync"
	"time"
)

const (
	// emaAlpha is the smoothing factor for latency and quality averages.
	emaAlpha = 0.2

	// recentSampleCap bounds the per-model outcome ring.
	recentSampleCap = 50
)

// Sample is one recorded task outcome.
type Sample struct {
	Timestamp time.Time
	OK        bool
	Latency   time.Duration
	Quality   float64
}

// ModelState is the process-global mutable state for one model. It is
// written by the runner at task completion and read by the router during
// scoring; readers tolerate slightly stale values.
type ModelState struct {
	mu sync.RWMutex

	totalRequests int64
	successCount  int64
	failureCount  int64

	emaLatency time.Duration
	emaQuality float64

	currentLoad int
	lastUsedAt  time.Time

	samples []Sample
	next    int
}

// StateSnapshot is an immutable copy of a ModelState for diagnostics.
type StateSnapshot struct {
	TotalRequests int64         `json:"total_requests"`
	SuccessCount  int64         `json:"success_count"`
	FailureCount  int64         `json:"failure_count"`
	SuccessRate   float64       `json:"success_rate"`
	EMALatency    time.Duration `json:"ema_latency"`
	EMAQuality    float64       `json:"ema_quality"`
	CurrentLoad   int           `json:"current_load"`
	LastUsedAt    time.Time     `json:"last_used_at"`
}

// RecordOutcome folds one completed task into the running averages and the
// sample ring.
func (s *ModelState) RecordOutcome(ok bool, latency time.Duration, quality float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	if ok {
		s.successCount++
	} else {
		s.failureCount++
	}

	if s.totalRequests == 1 {
		s.emaLatency = latency
		s.emaQuality = quality
	} else {
		s.emaLatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(s.emaLatency))
		s.emaQuality = emaAlpha*quality + (1-emaAlpha)*s.emaQuality
	}

	sample := Sample{Timestamp: time.Now(), OK: ok, Latency: latency, Quality: quality}
	if len(s.samples) < recentSampleCap {
		s.samples = append(s.samples, sample)
	} else {
		s.samples[s.next] = sample
		s.next = (s.next + 1) % recentSampleCap
	}
}

// Reserve increments the in-flight load and stamps last use.
func (s *ModelState) Reserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLoad++
	s.lastUsedAt = time.Now()
}

// Release decrements the in-flight load, never below zero.
func (s *ModelState) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLoad > 0 {
		s.currentLoad--
	}
}

// Load returns the current in-flight count.
func (s *ModelState) Load() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLoad
}

// SuccessRate returns the observed success ratio, or 1 when unused.
func (s *ModelState) SuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.totalRequests == 0 {
		return 1
	}
	return float64(s.successCount) / float64(s.totalRequests)
}

// Used reports whether any outcome has been recorded.
func (s *ModelState) Used() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalRequests > 0
}

// Averages returns the EMA latency and quality.
func (s *ModelState) Averages() (time.Duration, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emaLatency, s.emaQuality
}

// Snapshot copies the state for diagnostics.
func (s *ModelState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StateSnapshot{
		TotalRequests: s.totalRequests,
		SuccessCount:  s.successCount,
		FailureCount:  s.failureCount,
		EMALatency:    s.emaLatency,
		EMAQuality:    s.emaQuality,
		CurrentLoad:   s.currentLoad,
		LastUsedAt:    s.lastUsedAt,
	}
	if s.totalRequests > 0 {
		snap.SuccessRate = float64(s.successCount) / float64(s.totalRequests)
	}
	return snap
}
