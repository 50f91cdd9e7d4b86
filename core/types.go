package core

import (
	"time"
)

// Tier identifies the service tier of a request.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Request is one ensemble invocation. Created by the caller; immutable
// after admission. RetryCount is owned by the runner.
type Request struct {
	ID            string    `json:"id"`
	UserPrompt    string    `json:"user_prompt"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	Tier          Tier      `json:"tier"`
	CorrelationID string    `json:"correlation_id"`
	Deadline      time.Time `json:"deadline"`
	Explain       bool      `json:"explain,omitempty"`

	// RetryCount tracks request-level re-enqueues, distinct from
	// provider-level retries.
	RetryCount int `json:"-"`
}

// SpeedClass buckets models by expected latency.
type SpeedClass string

const (
	SpeedFast   SpeedClass = "fast"
	SpeedMedium SpeedClass = "medium"
	SpeedSlow   SpeedClass = "slow"
)

// QualityClass buckets models by expected answer quality.
type QualityClass string

const (
	QualityBasic   QualityClass = "basic"
	QualityGood    QualityClass = "good"
	QualityPremium QualityClass = "premium"
)

// ModelDescriptor is the process-lifetime constant description of one model.
type ModelDescriptor struct {
	Name                string         `json:"name"`
	Provider            string         `json:"provider"`
	CostPerKToken       float64        `json:"cost_per_k_token"`
	Speed               SpeedClass     `json:"speed_class"`
	Quality             QualityClass   `json:"quality_class"`
	Specialties         map[string]bool `json:"specialties"`
	MaxTokens           int            `json:"max_tokens"`
	BaselineReliability float64        `json:"baseline_reliability"`
}

// Key returns the provider-scoped identity used for breakers and runtime
// state.
func (d ModelDescriptor) Key() string {
	return d.Provider + ":" + d.Name
}

// HasSpecialty reports whether the model lists the given tag.
func (d ModelDescriptor) HasSpecialty(tag string) bool {
	return d.Specialties[tag]
}

// RoleStatus is the settled status of one fan-out task.
type RoleStatus string

const (
	StatusFulfilled RoleStatus = "fulfilled"
	StatusRejected  RoleStatus = "rejected"
)

// RoleResult is the settled outcome of one model's reply in one request.
// Role is a stable label assigned by the router for downstream vote
// identity. Exactly one of the success fields or ErrorKind is meaningful,
// selected by Status.
type RoleResult struct {
	Role       string     `json:"role"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	Status     RoleStatus `json:"status"`
	Content    string     `json:"content,omitempty"`
	WordCount  int        `json:"word_count,omitempty"`
	LatencyMs  int64      `json:"latency_ms"`
	Confidence float64    `json:"confidence"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
}

// Fulfilled reports whether this role carries usable content.
func (r RoleResult) Fulfilled() bool {
	return r.Status == StatusFulfilled
}

// RoleWeights holds every weight computed for one role during voting.
type RoleWeights struct {
	Traditional float64 `json:"traditional"`
	Diversity   float64 `json:"diversity"`
	Historical  float64 `json:"historical"`
	Semantic    float64 `json:"semantic"`
	Reliability float64 `json:"reliability"`
	Hybrid      float64 `json:"hybrid"`
}

// ConsensusStrength labels how decisively the ensemble agreed.
type ConsensusStrength string

const (
	ConsensusVeryStrong ConsensusStrength = "very-strong"
	ConsensusStrong     ConsensusStrength = "strong"
	ConsensusModerate   ConsensusStrength = "moderate"
	ConsensusWeak       ConsensusStrength = "weak"
	ConsensusVeryWeak   ConsensusStrength = "very-weak"
	ConsensusNone       ConsensusStrength = "none"
)

// TieBreakResult records the outcome of the tie-break cascade.
type TieBreakResult struct {
	Used       bool    `json:"used"`
	Strategy   string  `json:"strategy,omitempty"`
	Winner     string  `json:"winner,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// MetaVoteResult records the outcome of AI-assisted meta-voting.
type MetaVoteResult struct {
	Used       bool               `json:"used"`
	Winner     string             `json:"winner,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Ranking    []string           `json:"ranking,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Failed     bool               `json:"failed,omitempty"`
}

// AbstentionResult records whether the engine recommends not answering.
type AbstentionResult struct {
	ShouldAbstain bool   `json:"should_abstain"`
	Strategy      string `json:"strategy,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// VoteResult is the full structured voting record, including every
// intermediate so callers can explain the decision.
type VoteResult struct {
	Winner       string                 `json:"winner,omitempty"`
	Confidence   float64                `json:"confidence"`
	Consensus    ConsensusStrength      `json:"consensus"`
	Weights      map[string]RoleWeights `json:"weights"`
	FeaturesUsed []string               `json:"features_used"`
	TieBreaking  *TieBreakResult        `json:"tie_breaking,omitempty"`
	MetaVoting   *MetaVoteResult        `json:"meta_voting,omitempty"`
	Abstention   *AbstentionResult      `json:"abstention,omitempty"`
}

// SynthesisEnvelope is the synthesis section of the returned envelope.
type SynthesisEnvelope struct {
	Content        string  `json:"content"`
	Status         string  `json:"status"` // "success" or "error"
	Model          string  `json:"model,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// ResponseMetadata is the metadata section of the returned envelope.
type ResponseMetadata struct {
	CorrelationID     string `json:"correlation_id"`
	TotalProcessingMs int64  `json:"total_processing_ms"`
	SuccessfulRoles   int    `json:"successful_roles"`
	TotalRoles        int    `json:"total_roles"`
	Cached            bool   `json:"cached"`
	CacheLayer        string `json:"cache_layer,omitempty"`
	Tier              Tier   `json:"tier"`
	Error             string `json:"error,omitempty"`
}

// EnsembleResponse is the stable envelope returned for every request,
// including terminal failures.
type EnsembleResponse struct {
	Synthesis SynthesisEnvelope `json:"synthesis"`
	Roles     []RoleResult      `json:"roles"`
	Voting    *VoteResult       `json:"voting,omitempty"`
	Metadata  ResponseMetadata  `json:"metadata"`
}
