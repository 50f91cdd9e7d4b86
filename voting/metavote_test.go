package voting

import (
	"context"
	"testing"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// scriptedClient returns a fixed reply for every call.
type scriptedClient struct {
	reply string
	err   error
	calls int
}

func (s *scriptedClient) Call(ctx context.Context, req core.ModelCallRequest) (*core.ModelCallResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &core.ModelCallResponse{Text: s.reply, Provider: req.Provider, Model: req.Model}, nil
}

func metaEngine(client core.ModelClient) *Engine {
	cfg := core.DefaultConfig()
	cfg.MetaVoter.Enabled = true
	cfg.MetaVoter.Provider = "openai"
	cfg.MetaVoter.Model = "gpt-4o-mini"
	engine := NewEngine(cfg, nil)
	engine.SetMetaClient(client)
	return engine
}

func tiedInput() Input {
	content := "Entropy is a measure of disorder in a thermodynamic system."
	return Input{
		Prompt:        "Define entropy.",
		CorrelationID: "corr-meta",
		Roles: []core.RoleResult{
			fulfilledRole("a", content, 2000, 0.8),
			fulfilledRole("b", content, 2000, 0.8),
		},
	}
}

func TestMetaVoteValidVerdict(t *testing.T) {
	client := &scriptedClient{reply: `{"winner":"b","confidence":0.85,"ranking":["b","a"],"reasoning":"b is clearer","scores":{"a":0.6,"b":0.9},"strengths":{"b":"clarity"},"weaknesses":{"a":"terse"}}`}
	engine := metaEngine(client)

	result := engine.Vote(context.Background(), tiedInput())
	if result.MetaVoting == nil {
		t.Fatal("expected a meta-voting record")
	}
	if result.MetaVoting.Failed {
		t.Fatal("valid verdict marked failed")
	}
	if result.Winner != "b" {
		t.Errorf("winner = %q, want b", result.Winner)
	}
	if result.Confidence != 0.85 {
		t.Errorf("confidence = %f, want 0.85", result.Confidence)
	}
	if client.calls == 0 {
		t.Error("meta client never invoked")
	}
}

func TestMetaVoteSurroundingProseTolerated(t *testing.T) {
	client := &scriptedClient{reply: `Here is my verdict: {"winner":"a","confidence":0.7,"ranking":["a","b"],"reasoning":"","scores":{}} Thanks!`}
	engine := metaEngine(client)

	result := engine.Vote(context.Background(), tiedInput())
	if result.MetaVoting == nil || result.MetaVoting.Failed {
		t.Fatal("verdict with surrounding prose should parse")
	}
	if result.Winner != "a" {
		t.Errorf("winner = %q, want a", result.Winner)
	}
}

func TestMetaVoteSchemaViolationFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "the best answer is b"},
		{"unknown winner", `{"winner":"z","confidence":0.8}`},
		{"confidence out of range", `{"winner":"a","confidence":1.7}`},
		{"unknown field", `{"winner":"a","confidence":0.8,"verdict":"extra"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := metaEngine(&scriptedClient{reply: tt.reply})
			result := engine.Vote(context.Background(), tiedInput())
			if result.MetaVoting == nil {
				t.Fatal("expected a meta-voting record")
			}
			if !result.MetaVoting.Failed {
				t.Error("schema violation not marked failed")
			}
			// Pre-meta decision retained.
			if result.Winner != "a" && result.Winner != "b" {
				t.Errorf("winner = %q, want a tied role", result.Winner)
			}
		})
	}
}

func TestMetaVoteCallErrorFallsBack(t *testing.T) {
	engine := metaEngine(&scriptedClient{err: &core.EnsembleError{Kind: core.KindTimeout}})
	result := engine.Vote(context.Background(), tiedInput())
	if result.MetaVoting == nil || !result.MetaVoting.Failed {
		t.Error("call failure not marked failed")
	}
}

func TestMetaVoteDisabledWithoutClient(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.MetaVoter.Enabled = true
	cfg.MetaVoter.Model = "gpt-4o-mini"
	engine := NewEngine(cfg, nil)

	result := engine.Vote(context.Background(), tiedInput())
	if result.MetaVoting != nil {
		t.Error("meta-voting ran without a client")
	}
}
