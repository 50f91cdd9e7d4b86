package ensemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

const synthesisSystemPrompt = `You are combining several candidate answers to the same question into one unified answer. Merge their strengths, resolve disagreements in favor of the better-supported claims, and answer directly without mentioning the candidates.`

// ModelSynthesizer is the default Synthesizer: it asks a single model to
// merge the successful replies into one answer, then scores its own output
// with lightweight validation heuristics.
type ModelSynthesizer struct {
	client    core.ModelClient
	provider  string
	model     string
	maxTokens int
	logger    core.Logger
}

// NewModelSynthesizer creates a synthesizer bound to one evaluator model.
func NewModelSynthesizer(client core.ModelClient, provider, model string, maxTokens int, logger core.Logger) *ModelSynthesizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxTokens <= 0 {
		maxTokens = 800
	}
	return &ModelSynthesizer{
		client:    client,
		provider:  provider,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Synthesize produces one unified answer from the fulfilled roles.
func (s *ModelSynthesizer) Synthesize(ctx context.Context, prompt string, roles []core.RoleResult) (*core.SynthesisResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nCandidate answers:\n", prompt)
	count := 0
	for _, r := range roles {
		if !r.Fulfilled() {
			continue
		}
		count++
		fmt.Fprintf(&b, "\n[answer %d]\n%s\n", count, r.Content)
	}
	if count == 0 {
		return nil, &core.EnsembleError{
			Kind:    core.KindInvalidInput,
			Op:      "synthesizer.Synthesize",
			Message: "no fulfilled roles to synthesize",
		}
	}

	resp, err := s.client.Call(ctx, core.ModelCallRequest{
		Model:     s.model,
		Provider:  s.provider,
		System:    synthesisSystemPrompt,
		User:      b.String(),
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(resp.Text)
	if content == "" {
		return nil, &core.EnsembleError{
			Kind:     core.KindInvalidPayload,
			Op:       "synthesizer.Synthesize",
			Provider: s.provider,
			Model:    s.model,
			Message:  "empty synthesis",
		}
	}

	confidence := 0.6 + 0.05*float64(count)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return &core.SynthesisResult{
		Content:    content,
		Confidence: confidence,
		Validation: validateSynthesis(content),
	}, nil
}

// validateSynthesis scores the produced answer in [0,1] with cheap shape
// checks: usable length and a terminated final sentence.
func validateSynthesis(content string) float64 {
	if content == "" {
		return 0
	}
	score := 0.5
	if len(content) >= 50 {
		score += 0.2
	}
	if len(content) <= 6000 {
		score += 0.1
	}
	switch content[len(content)-1] {
	case '.', '!', '?', ')', '"', '`':
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
