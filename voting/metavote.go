package voting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// metaResponseChars caps how much of each candidate reply is shown to the
// evaluator model.
const metaResponseChars = 1500

const metaSystemPrompt = `You are an impartial judge comparing candidate answers to the same question. Respond with a single JSON object and nothing else, using exactly these fields: {"winner": "<role>", "confidence": <0..1>, "ranking": ["<role>", ...], "reasoning": "<string>", "scores": {"<role>": <0..1>, ...}, "strengths": {"<role>": "<string>", ...}, "weaknesses": {"<role>": "<string>", ...}}`

// metaVerdict is the strict schema the evaluator must produce.
type metaVerdict struct {
	Winner     string             `json:"winner"`
	Confidence float64            `json:"confidence"`
	Ranking    []string           `json:"ranking"`
	Reasoning  string             `json:"reasoning"`
	Scores     map[string]float64 `json:"scores"`
	Strengths  map[string]string  `json:"strengths"`
	Weaknesses map[string]string  `json:"weaknesses"`
}

// metaVote asks the configured evaluator model to judge the candidates.
// Any schema violation marks the result failed so callers keep the
// pre-meta decision.
func (e *Engine) metaVote(ctx context.Context, in Input, votes []*roleVote) *core.MetaVoteResult {
	result := &core.MetaVoteResult{Used: true}

	if e.metaConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.metaConfig.Timeout)
		defer cancel()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nCandidate answers:\n", in.Prompt)
	roles := make(map[string]bool, len(votes))
	for _, v := range votes {
		roles[v.role.Role] = true
		content := v.role.Content
		if len(content) > metaResponseChars {
			content = content[:metaResponseChars]
		}
		fmt.Fprintf(&b, "\n[%s]\n%s\n", v.role.Role, content)
	}

	resp, err := e.metaClient.Call(ctx, core.ModelCallRequest{
		Model:     e.metaConfig.Model,
		Provider:  e.metaConfig.Provider,
		System:    metaSystemPrompt,
		User:      b.String(),
		MaxTokens: e.metaConfig.MaxTokens,
	})
	if err != nil {
		e.logger.Warn("Meta-voting call failed", map[string]interface{}{
			"operation":      "meta_vote",
			"correlation_id": in.CorrelationID,
			"error":          err.Error(),
		})
		result.Failed = true
		return result
	}

	var verdict metaVerdict
	decoder := json.NewDecoder(strings.NewReader(extractJSON(resp.Text)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&verdict); err != nil {
		result.Failed = true
		return result
	}
	if !roles[verdict.Winner] || verdict.Confidence < 0 || verdict.Confidence > 1 {
		result.Failed = true
		return result
	}

	result.Winner = verdict.Winner
	result.Confidence = verdict.Confidence
	result.Ranking = verdict.Ranking
	result.Reasoning = verdict.Reasoning
	result.Scores = verdict.Scores
	return result
}

// extractJSON trims any prose surrounding the first JSON object in the
// reply.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
