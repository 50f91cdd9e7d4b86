package ensemble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
	"github.com/salscrudato/neurastack-backend-sub006/resilience"
	"github.com/salscrudato/neurastack-backend-sub006/routing"
	"github.com/salscrudato/neurastack-backend-sub006/voting"
)

// contextTokenBudget bounds how much conversation history is prepended to
// the prompt.
const contextTokenBudget = 500

// genericErrorMessage is the safe user-facing content on terminal failure.
const genericErrorMessage = "The service was unable to produce an answer. Please try again."

// dispatchLoop pops admitted requests and starts workers while the tier's
// in-flight cap allows.
func (e *Ensemble) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.queue.notify:
		}

		for {
			item, ok := e.queue.Pop()
			if !ok {
				break
			}
			sem := e.freeSem
			if item.req.Tier == core.TierPremium {
				sem = e.premiumSem
			}
			select {
			case sem <- struct{}{}:
			case <-e.stopCh:
				item.result <- e.errorEnvelope(item.req, core.KindCancelled, "service shutting down")
				return
			}

			e.wg.Add(1)
			e.inFlight.Add(1)
			go func(item *queueItem) {
				defer e.wg.Done()
				defer e.inFlight.Add(-1)
				defer func() { <-sem }()
				e.process(item)
			}(item)
		}
	}
}

// process executes one dequeued request and applies request-level retry
// and abstention re-query policy before delivering the envelope.
func (e *Ensemble) process(item *queueItem) {
	req := item.req
	start := time.Now()

	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	resp, terminalErr := e.execute(ctx, req)
	cancel()

	resp.Metadata.TotalProcessingMs = time.Since(start).Milliseconds()
	e.telemetry.RecordMetric("ensemble_request_duration_ms",
		float64(resp.Metadata.TotalProcessingMs),
		map[string]string{"tier": string(req.Tier), "cached": fmt.Sprintf("%t", resp.Metadata.Cached)})

	if terminalErr != nil && core.IsRetryable(terminalErr) && req.RetryCount < e.config.RetryAttempts {
		e.requeue(item, "retryable failure")
		return
	}

	if ab := abstentionOf(resp); ab != nil && ab.ShouldAbstain {
		count := e.voting.RegisterRequery(req.CorrelationID)
		if count <= e.config.Abstention.MaxRequery && req.RetryCount < e.config.RetryAttempts {
			e.logger.Info("Abstention re-query", map[string]interface{}{
				"operation":      "requery",
				"correlation_id": req.CorrelationID,
				"strategy":       ab.Strategy,
				"attempt":        count,
			})
			e.requeue(item, "abstention")
			return
		}
	}

	if terminalErr != nil {
		e.failedCount.Add(1)
	} else {
		e.completed.Add(1)
	}
	item.result <- resp
}

// requeue backs off, refreshes the deadline, and re-admits the request at
// the queue head so retries are not starved by new arrivals.
func (e *Ensemble) requeue(item *queueItem, reason string) {
	req := item.req

	delay := e.config.RetryDelay << uint(req.RetryCount)
	req.RetryCount++
	e.retried.Add(1)
	e.logger.Info("Request re-enqueued", map[string]interface{}{
		"operation":      "request_retry",
		"correlation_id": req.CorrelationID,
		"reason":         reason,
		"retry_count":    req.RetryCount,
		"delay_ms":       delay.Milliseconds(),
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.stopCh:
		item.result <- e.errorEnvelope(req, core.KindCancelled, "service shutting down")
		return
	}

	req.Deadline = time.Now().Add(e.config.Timeout(req.Tier))
	e.queue.PushHead(item)
}

func abstentionOf(resp *core.EnsembleResponse) *core.AbstentionResult {
	if resp.Voting == nil {
		return nil
	}
	return resp.Voting.Abstention
}

// execute runs the per-request pipeline: cache probe, context retrieval,
// model selection, fan-out, voting, synthesis, quality scoring, and cache
// write-back. A non-nil error marks a terminal failure eligible for
// request-level retry classification; the envelope is always populated.
func (e *Ensemble) execute(ctx context.Context, req *core.Request) (*core.EnsembleResponse, error) {
	if cached, layer, ok := e.cache.Get(ctx, req.UserPrompt, req.UserID, req.Tier); ok {
		e.cacheHits.Add(1)
		e.telemetry.RecordMetric("ensemble_cache_hits", 1, map[string]string{"layer": layer})
		resp := *cached
		resp.Metadata.CorrelationID = req.CorrelationID
		resp.Metadata.Cached = true
		resp.Metadata.CacheLayer = layer
		resp.Metadata.Tier = req.Tier
		return &resp, nil
	}

	conversationContext, err := e.memory.GetContext(ctx, req.UserID, req.SessionID, contextTokenBudget)
	if err != nil {
		// Context retrieval is best-effort
		e.logger.Debug("Context retrieval failed", map[string]interface{}{
			"operation":      "memory_context",
			"correlation_id": req.CorrelationID,
			"error":          err.Error(),
		})
		conversationContext = ""
	}
	effectivePrompt := req.UserPrompt
	if conversationContext != "" {
		effectivePrompt = conversationContext + "\n\n" + req.UserPrompt
	}

	selected := e.router.Select(effectivePrompt, req.Tier, e.config.FanoutSize)

	// Reserved load must be released exactly once on every exit path,
	// including panics unwinding through this frame.
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { e.router.Release(selected) }) }
	defer release()

	roles := e.fanOut(ctx, effectivePrompt, selected, req)

	successful := 0
	for i, role := range roles {
		ok := role.Fulfilled()
		if ok {
			successful++
		}
		e.router.RecordOutcome(selected[i].Key(), ok,
			time.Duration(role.LatencyMs)*time.Millisecond, role.Confidence)
		e.voting.RecordOutcome(role, role.Confidence)
	}

	if successful == 0 {
		kind := aggregateFailureKind(roles)
		e.logger.Error("All models failed", map[string]interface{}{
			"operation":      "fan_out",
			"correlation_id": req.CorrelationID,
			"error_kind":     string(kind),
			"total_roles":    len(roles),
		})
		resp := e.errorEnvelope(req, kind, "all models failed")
		resp.Roles = roles
		return resp, &core.EnsembleError{
			Kind: kind,
			Op:   "runner.execute",
			Err:  core.ErrAllModelsFailed,
		}
	}

	vote := e.voting.Vote(ctx, voting.Input{
		Prompt:        req.UserPrompt,
		CorrelationID: req.CorrelationID,
		Roles:         roles,
	})

	synthesis := e.synthesize(ctx, effectivePrompt, roles, vote)

	quality := qualityScore(synthesis, vote, successful, len(roles))
	resp := &core.EnsembleResponse{
		Synthesis: synthesis,
		Roles:     roles,
		Voting:    vote,
		Metadata: core.ResponseMetadata{
			CorrelationID:   req.CorrelationID,
			SuccessfulRoles: successful,
			TotalRoles:      len(roles),
			Cached:          false,
			Tier:            req.Tier,
		},
	}

	if err := e.cache.Put(ctx, req.UserPrompt, req.UserID, req.Tier, resp, quality); err != nil {
		// Cache errors are swallowed
		e.logger.Warn("Cache write failed", map[string]interface{}{
			"operation":      "cache_put",
			"correlation_id": req.CorrelationID,
			"error":          err.Error(),
		})
	}
	e.storeMemory(ctx, req, synthesis, quality)

	e.logger.Info("Request completed", map[string]interface{}{
		"operation":        "ensemble_run",
		"correlation_id":   req.CorrelationID,
		"successful_roles": successful,
		"total_roles":      len(roles),
		"consensus":        string(vote.Consensus),
		"quality":          quality,
	})

	return resp, nil
}

// fanOut launches one task per selected model and joins them with a
// settled barrier; every task publishes a RoleResult regardless of
// outcome.
func (e *Ensemble) fanOut(ctx context.Context, prompt string, models []core.ModelDescriptor, req *core.Request) []core.RoleResult {
	results := make([]core.RoleResult, len(models))
	var wg sync.WaitGroup
	for i, m := range models {
		wg.Add(1)
		go func(i int, m core.ModelDescriptor) {
			defer wg.Done()
			results[i] = e.callModel(ctx, prompt, m, req)
		}(i, m)
	}
	wg.Wait()
	return results
}

// callModel runs one provider call wrapped in breaker and retry, and
// settles it into a RoleResult.
func (e *Ensemble) callModel(ctx context.Context, prompt string, m core.ModelDescriptor, req *core.Request) core.RoleResult {
	role := core.RoleResult{
		Role:     routing.RoleFor(m),
		Provider: m.Provider,
		Model:    m.Name,
	}

	client := e.clientFor(m.Provider)
	if client == nil {
		role.Status = core.StatusRejected
		role.ErrorKind = core.KindProgrammerBug
		e.logger.Error("No client registered for provider", map[string]interface{}{
			"operation":      "model_call",
			"correlation_id": req.CorrelationID,
			"provider":       m.Provider,
		})
		return role
	}

	start := time.Now()
	var resp *core.ModelCallResponse
	breaker := e.breakers.For(m.Key())
	err := resilience.ExecuteWithBreaker(ctx, e.retryPolicy, breaker, func() error {
		r, callErr := client.Call(ctx, core.ModelCallRequest{
			Model:     m.Name,
			Provider:  m.Provider,
			User:      prompt,
			MaxTokens: e.config.MaxTokensPerRole,
		})
		if callErr != nil {
			return callErr
		}
		if strings.TrimSpace(r.Text) == "" {
			return &core.EnsembleError{
				Kind:     core.KindInvalidPayload,
				Op:       "model.Call",
				Provider: m.Provider,
				Model:    m.Name,
				Message:  "empty completion",
			}
		}
		resp = r
		return nil
	})

	role.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		role.Status = core.StatusRejected
		role.ErrorKind = core.KindOf(err)
		e.logger.Debug("Model call rejected", map[string]interface{}{
			"operation":      "model_call",
			"correlation_id": req.CorrelationID,
			"model":          m.Key(),
			"error_kind":     string(role.ErrorKind),
			"latency_ms":     role.LatencyMs,
		})
		return role
	}

	if resp.LatencyMs > 0 {
		role.LatencyMs = resp.LatencyMs
	}
	role.Status = core.StatusFulfilled
	role.Content = resp.Text
	role.WordCount = len(strings.Fields(resp.Text))
	role.Confidence = responseConfidence(role)
	return role
}

// responseConfidence derives a [0,1] confidence from observable reply
// shape when providers report none themselves.
func responseConfidence(role core.RoleResult) float64 {
	c := 0.5
	if role.WordCount >= 50 {
		c += 0.15
	}
	if role.WordCount >= 150 {
		c += 0.1
	}
	if role.LatencyMs < 5000 {
		c += 0.1
	}
	content := strings.TrimSpace(role.Content)
	if content != "" {
		switch content[len(content)-1] {
		case '.', '!', '?', ')', '"', '`':
			c += 0.05
		}
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// aggregateFailureKind picks the request-level failure class from the
// settled set: the first retryable kind wins so the request remains
// retryable whenever any model's failure was transient.
func aggregateFailureKind(roles []core.RoleResult) core.ErrorKind {
	var first core.ErrorKind
	for _, r := range roles {
		if r.ErrorKind == "" {
			continue
		}
		if first == "" {
			first = r.ErrorKind
		}
		switch r.ErrorKind {
		case core.KindTimeout, core.KindNetwork, core.KindRateLimited,
			core.KindProvider5XX, core.KindInvalidPayload:
			return r.ErrorKind
		}
	}
	if first == "" {
		return core.KindNetwork
	}
	return first
}

// synthesize runs the configured synthesizer, falling back to passthrough
// or concatenation when it errors or is absent.
func (e *Ensemble) synthesize(ctx context.Context, prompt string, roles []core.RoleResult, vote *core.VoteResult) core.SynthesisEnvelope {
	if e.synth != nil {
		result, err := e.synth.Synthesize(ctx, prompt, roles)
		if err == nil {
			return core.SynthesisEnvelope{
				Content:    result.Content,
				Status:     "success",
				Confidence: result.Confidence,
			}
		}
		e.logger.Warn("Synthesis failed, using fallback", map[string]interface{}{
			"operation": "synthesis",
			"error":     err.Error(),
		})
		return e.fallbackSynthesis(roles, vote, "synthesizer error: "+string(core.KindOf(err)))
	}
	return e.fallbackSynthesis(roles, vote, "no synthesizer configured")
}

// fallbackSynthesis passes through a single reply, or concatenates
// multiple replies under per-model headings. The vote winner leads.
func (e *Ensemble) fallbackSynthesis(roles []core.RoleResult, vote *core.VoteResult, reason string) core.SynthesisEnvelope {
	var fulfilled []core.RoleResult
	for _, r := range roles {
		if r.Fulfilled() {
			fulfilled = append(fulfilled, r)
		}
	}

	if len(fulfilled) == 1 {
		return core.SynthesisEnvelope{
			Content:        fulfilled[0].Content,
			Status:         "success",
			Model:          fulfilled[0].Model,
			Confidence:     fulfilled[0].Confidence,
			FallbackReason: reason,
		}
	}

	// Winner first, then the rest in settled order.
	if vote != nil && vote.Winner != "" {
		for i, r := range fulfilled {
			if r.Role == vote.Winner && i != 0 {
				fulfilled[0], fulfilled[i] = fulfilled[i], fulfilled[0]
				break
			}
		}
	}

	var b strings.Builder
	for i, r := range fulfilled {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n%s", r.Model, r.Content)
	}

	confidence := 0.0
	if vote != nil {
		confidence = vote.Confidence
	}
	return core.SynthesisEnvelope{
		Content:        b.String(),
		Status:         "success",
		Confidence:     confidence,
		FallbackReason: reason,
	}
}

// qualityScore computes the cached-response quality used for TTL banding.
func qualityScore(synthesis core.SynthesisEnvelope, vote *core.VoteResult, successful, total int) float64 {
	q := 0.5
	if l := len(synthesis.Content); l >= 500 && l <= 3000 {
		q += 0.1
	}
	q += synthesis.Confidence * 0.2
	q += validationOf(synthesis) * 0.2
	switch vote.Consensus {
	case core.ConsensusStrong, core.ConsensusVeryStrong:
		q += 0.1
	case core.ConsensusModerate:
		q += 0.05
	}
	if total > 0 {
		q += float64(successful) / float64(total) * 0.1
	}
	if q > 1 {
		q = 1
	}
	if q < 0 {
		q = 0
	}
	return q
}

// validationOf recovers a validation score for the envelope; fallback
// synthesis carries none and scores neutral.
func validationOf(synthesis core.SynthesisEnvelope) float64 {
	if synthesis.FallbackReason != "" {
		return 0.5
	}
	return validateSynthesis(synthesis.Content)
}

// storeMemory writes the exchange back to the conversation store,
// best-effort.
func (e *Ensemble) storeMemory(ctx context.Context, req *core.Request, synthesis core.SynthesisEnvelope, quality float64) {
	if _, err := e.memory.Store(ctx, req.UserID, req.SessionID, req.UserPrompt, true, 0, ""); err != nil {
		return
	}
	_, _ = e.memory.Store(ctx, req.UserID, req.SessionID, synthesis.Content, false, quality, synthesis.Model)
}

// errorEnvelope builds the stable envelope for a terminal failure.
func (e *Ensemble) errorEnvelope(req *core.Request, kind core.ErrorKind, message string) *core.EnsembleResponse {
	return &core.EnsembleResponse{
		Synthesis: core.SynthesisEnvelope{
			Content: genericErrorMessage,
			Status:  "error",
		},
		Roles: []core.RoleResult{},
		Metadata: core.ResponseMetadata{
			CorrelationID: req.CorrelationID,
			Tier:          req.Tier,
			Error:         string(kind) + ": " + message,
		},
	}
}
