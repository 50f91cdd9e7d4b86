// Package routing implements adaptive, score-weighted model selection with
// load and health awareness.
package routing

import (
	"regexp"
)

// RequestClass is the coarse category a prompt is routed as. It is matched
// against model specialties during scoring.
const (
	ClassCreative       = "creative"
	ClassAnalytical     = "analytical"
	ClassTechnical      = "technical"
	ClassExplanatory    = "explanatory"
	ClassConversational = "conversational"
	ClassFactual        = "factual"
	ClassGeneral        = "general"
)

// classPatterns is checked in order; first match wins.
var classPatterns = []struct {
	class   string
	pattern *regexp.Regexp
}{
	{ClassCreative, regexp.MustCompile(`(?i)\b(write|story|poem|imagine|creative|compose|fiction|invent|brainstorm)\b`)},
	{ClassTechnical, regexp.MustCompile(`(?i)\b(code|program|algorithm|debug|implement|function|api|sql|compile|stack trace)\b`)},
	{ClassAnalytical, regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|evaluate|assess|tradeoffs?|pros and cons|reason about)\b`)},
	{ClassExplanatory, regexp.MustCompile(`(?i)\b(explain|describe|walk (me )?through|teach|how (does|do|to))\b`)},
	{ClassConversational, regexp.MustCompile(`(?i)\b(chat|talk|opinion|what do you think|recommend)\b`)},
	{ClassFactual, regexp.MustCompile(`(?i)\b(what (is|are)|who (is|was)|when (did|was)|where (is|was)|define|definition)\b`)},
}

// ClassifyRequest assigns a request class by ordered regex match,
// defaulting to general.
func ClassifyRequest(prompt string) string {
	for _, entry := range classPatterns {
		if entry.pattern.MatchString(prompt) {
			return entry.class
		}
	}
	return ClassGeneral
}
