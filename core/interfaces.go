package core

import (
	"context"
)

// Logger interface - minimal logging interface. The runner attaches the
// request correlation id to fields; components stay log-free unless one is
// injected.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// ModelCallRequest is the normalized request to one provider/model.
type ModelCallRequest struct {
	Model     string
	Provider  string
	System    string
	User      string
	MaxTokens int
}

// ModelCallResponse is the normalized reply from one provider/model.
type ModelCallResponse struct {
	Text      string
	Provider  string
	Model     string
	LatencyMs int64
}

// ModelClient abstracts a single provider/model call. Implementations exist
// per provider; the orchestration is agnostic to wire format. Errors should
// be tagged with an ErrorKind via EnsembleError so retry and breaker
// decisions can classify them.
type ModelClient interface {
	Call(ctx context.Context, req ModelCallRequest) (*ModelCallResponse, error)
}

// MemoryStore abstracts the persistent memory/history store. All operations
// are best-effort: failures degrade to empty context and are never surfaced
// to callers of the runner.
type MemoryStore interface {
	GetContext(ctx context.Context, userID, sessionID string, maxTokens int) (string, error)
	Store(ctx context.Context, userID, sessionID, content string, isUserPrompt bool, quality float64, model string) (string, error)
	Retrieve(ctx context.Context, query string) ([]Memory, error)
}

// Memory is a single retrieved memory record.
type Memory struct {
	ID        string
	UserID    string
	SessionID string
	Content   string
	Quality   float64
}

// SynthesisResult is the output of the Synthesizer contract.
type SynthesisResult struct {
	Content    string
	Confidence float64
	// Validation is a [0,1] score from whatever validation the synthesizer
	// performs on its own output; 0.5 when it performs none.
	Validation float64
}

// Synthesizer produces one unified answer from the successful per-model
// replies. The prompt text used is an implementation concern; only this
// contract is part of the core.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string, roles []RoleResult) (*SynthesisResult, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
