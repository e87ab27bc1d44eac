package providers

import (
	"context"
	"strings"
	"sync"
)

// ScriptedProvider replays a fixed sequence of responses or errors. It backs
// agent and gateway tests without network access.
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls []ChatRequest
	model string
}

// ScriptStep is one scripted turn: either a response or an error.
type ScriptStep struct {
	Response *ChatResponse
	Err      error
	// StreamChunks overrides the default word-split streaming of Response.Content.
	StreamChunks []string
}

// NewScriptedProvider builds a provider that returns steps in order. The last
// step repeats once the script runs out.
func NewScriptedProvider(steps ...ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{steps: steps, model: "scripted-model"}
}

func (s *ScriptedProvider) Name() string         { return "scripted" }
func (s *ScriptedProvider) DefaultModel() string { return s.model }

// Calls returns every request received so far.
func (s *ScriptedProvider) Calls() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedProvider) nextStep(req ChatRequest) ScriptStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		return ScriptStep{Response: &ChatResponse{Content: "", FinishReason: "stop"}}
	}
	idx := len(s.calls) - 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx]
}

func (s *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	step := s.nextStep(req)
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

func (s *ScriptedProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	step := s.nextStep(req)
	if step.Err != nil {
		return nil, step.Err
	}

	resp := *step.Response
	chunks := step.StreamChunks
	if chunks == nil && resp.Content != "" {
		// Split on spaces so callers see realistic multi-chunk delivery.
		words := strings.SplitAfter(resp.Content, " ")
		chunks = words
	}
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if onChunk != nil && c != "" {
			onChunk(StreamChunk{Content: c})
		}
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return &resp, nil
}
