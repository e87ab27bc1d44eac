package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openhearth/hearth/internal/providers"
	"github.com/openhearth/hearth/internal/sessions"
)

const summarizerPrompt = `You compress conversation history. Merge the prior summary and the transcript below into a single dense summary. Keep facts, decisions, names, file paths, and open tasks. Output only the summary.`

// assemble builds the provider message list for the next round: system
// prompt, running summary, then the compacted history. Images attach to the
// newest user message on the first round only.
func (r *Runtime) assemble(ctx context.Context, sessionID string, images []providers.ImageContent, firstRound bool) ([]providers.Message, error) {
	log := r.store.Snapshot(sessionID)
	summary := r.store.Summary(sessionID)

	res := sessions.Compact(log, summary, sessions.CompactConfig{
		MaxContextTokens: r.spec.MaxContextTokens,
		KeepRecent:       r.spec.KeepRecent,
	})
	if res.Compacted {
		if updated, err := r.summarize(ctx, summary, res.Dropped); err != nil {
			// Degrade: keep the stale summary rather than fail the turn.
			slog.Warn("history summarization failed", "session", sessionID, "error", err)
		} else {
			r.store.SetSummary(sessionID, updated)
			summary = updated
		}
	}

	out := make([]providers.Message, 0, len(res.Retained)+2)
	if r.spec.SystemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: r.spec.SystemPrompt})
	}
	if summary != "" {
		sm := sessions.SummaryMessage(summary)
		out = append(out, providers.Message{Role: "system", Content: sm.Content})
	}
	for _, m := range res.Retained {
		out = append(out, toProviderMessage(m))
	}

	if firstRound && len(images) > 0 {
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Role == "user" {
				out[i].Images = images
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("session %s has no messages", sessionID)
	}
	return out, nil
}

// summarize folds dropped history into the running summary via a non-stream
// provider call.
func (r *Runtime) summarize(ctx context.Context, prior string, dropped []sessions.Message) (string, error) {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Prior summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Transcript to fold in:\n")
	for _, m := range dropped {
		b.WriteString(renderForSummary(m))
		b.WriteByte('\n')
	}

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summarizerPrompt},
			{Role: "user", Content: b.String()},
		},
		Model:     r.model(false),
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func renderForSummary(m sessions.Message) string {
	switch {
	case len(m.ToolCalls) > 0:
		names := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			names = append(names, tc.Name)
		}
		return fmt.Sprintf("assistant called tools: %s", strings.Join(names, ", "))
	case m.Role == sessions.RoleTool:
		return fmt.Sprintf("tool result: %s", truncate(m.Content, 300))
	default:
		return fmt.Sprintf("%s: %s", m.Role, truncate(m.Content, 500))
	}
}

// toProviderMessage converts a stored message to the provider wire shape.
func toProviderMessage(m sessions.Message) providers.Message {
	pm := providers.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		args := make(map[string]interface{})
		if len(tc.Arguments) > 0 {
			_ = json.Unmarshal(tc.Arguments, &args)
		}
		pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: args,
		})
	}
	return pm
}
