// Package cache implements the quality-scored multi-layer semantic cache:
// exact key, prompt-vector similarity, and user-pattern predictive lookup.
package cache

import (
	"math"
	"strings"
	"unicode"
)

// PromptVector is a sparse word-count vector over prompt tokens. Tokens are
// lowercased and must be longer than two characters.
type PromptVector map[string]int

// Vectorize builds the sparse word-count vector for a prompt.
func Vectorize(prompt string) PromptVector {
	vec := make(PromptVector)
	for _, tok := range tokenize(prompt) {
		vec[tok]++
	}
	return vec
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// Cosine computes the cosine similarity between two sparse vectors.
// Returns 0 when either vector is empty.
func Cosine(a, b PromptVector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Iterate the smaller map for the dot product
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot, normA, normB float64
	for tok, ca := range a {
		if cb, ok := b[tok]; ok {
			dot += float64(ca) * float64(cb)
		}
		normA += float64(ca) * float64(ca)
	}
	for _, cb := range b {
		normB += float64(cb) * float64(cb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Jaccard computes token-set Jaccard similarity between two texts.
func Jaccard(a, b string) float64 {
	setA := make(map[string]bool)
	for _, tok := range tokenize(a) {
		setA[tok] = true
	}
	setB := make(map[string]bool)
	for _, tok := range tokenize(b) {
		setB[tok] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// PromptType is the coarse classification used by the predictive layer.
type PromptType string

const (
	TypeDefinition  PromptType = "definition"
	TypeExplanation PromptType = "explanation"
	TypeReasoning   PromptType = "reasoning"
	TypeBenefits    PromptType = "benefits"
	TypeComparison  PromptType = "comparison"
	TypeGeneral     PromptType = "general"
)

// promptTypeKeywords is checked in order; first match wins.
var promptTypeKeywords = []struct {
	ptype    PromptType
	keywords []string
}{
	{TypeDefinition, []string{"what is", "what are", "define", "definition", "meaning of"}},
	{TypeExplanation, []string{"explain", "how does", "how do", "describe", "walk me through"}},
	{TypeReasoning, []string{"why", "reason", "because", "analyze", "think through"}},
	{TypeBenefits, []string{"benefit", "advantage", "pros", "value of", "why use"}},
	{TypeComparison, []string{"compare", "versus", " vs ", "difference between", "better than"}},
}

// ClassifyPrompt assigns a coarse prompt type by keyword.
func ClassifyPrompt(prompt string) PromptType {
	lower := strings.ToLower(prompt)
	for _, entry := range promptTypeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.ptype
			}
		}
	}
	return TypeGeneral
}
