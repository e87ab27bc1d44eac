package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/providers"
	"github.com/openhearth/hearth/internal/sessions"
	"github.com/openhearth/hearth/internal/tools"
)

// turn is one queued unit of work plus its private event stream.
type turn struct {
	req    TurnRequest
	out    chan bus.Event
	parent context.Context
}

// emit publishes an event on the bus and mirrors it to the turn's channel.
func (r *Runtime) emit(t *turn, typ bus.EventType, data map[string]interface{}) {
	ev := bus.New(typ, "agent", data)
	ev.SessionID = t.req.SessionID
	ev.Broadcast = true
	r.bus.Publish(ev)
	select {
	case t.out <- ev:
	default:
		// A stalled turn consumer must not wedge the loop.
	}
}

func (r *Runtime) loop(ctx context.Context, t *turn) {
	sessionID := t.req.SessionID

	ctx, span := r.tracer.Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("turn.source", t.req.Source),
	)
	defer span.End()

	r.store.Append(sessionID, sessions.Message{
		Role:    sessions.RoleUser,
		Content: t.req.Content,
	})
	r.emit(t, bus.AgentStart, map[string]interface{}{"source": t.req.Source})

	started := time.Now()
	usedFallback := false
	rounds := 0

	for {
		if ctx.Err() != nil {
			r.finishCancelled(t, "")
			return
		}

		msgs, err := r.assemble(ctx, sessionID, t.req.Images, rounds == 0)
		if err != nil {
			r.finishError(t, fmt.Errorf("assemble prompt: %w", err))
			return
		}

		toolsAllowed := rounds < r.spec.MaxToolRounds
		req := providers.ChatRequest{
			Messages:    msgs,
			Model:       r.model(usedFallback),
			MaxTokens:   r.spec.MaxTokens,
			Temperature: r.spec.Temperature,
		}
		if toolsAllowed {
			req.Tools = r.registry.Definitions()
		}

		var streamed string
		resp, err := r.provider.ChatStream(ctx, req, func(c providers.StreamChunk) {
			if c.Content != "" {
				streamed += c.Content
				r.emit(t, bus.AgentText, map[string]interface{}{"text": c.Content, "delta": true})
			}
			if c.Thinking != "" {
				r.emit(t, bus.AgentText, map[string]interface{}{"text": c.Thinking, "delta": true, "thinking": true})
			}
		})

		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				r.finishCancelled(t, streamed)
				return
			}
			// One shot at the fallback model before giving up.
			if !usedFallback && r.spec.FallbackModel != "" {
				slog.Warn("primary model failed, falling back",
					"session", sessionID, "model", r.model(false), "fallback", r.spec.FallbackModel, "error", err)
				r.emit(t, bus.AgentError, map[string]interface{}{
					"error":     err.Error(),
					"recovered": true,
					"fallback":  r.spec.FallbackModel,
				})
				usedFallback = true
				continue
			}
			r.finishError(t, err)
			return
		}

		if len(resp.ToolCalls) > 0 && toolsAllowed {
			r.recordAssistantCall(sessionID, resp)
			r.executeTools(ctx, t, resp.ToolCalls)
			rounds++
			if rounds >= r.spec.MaxToolRounds {
				// Let the model wrap up with what it has.
				r.store.Append(sessionID, sessions.Message{
					Role:       sessions.RoleSystem,
					Content:    "Tool budget for this turn is exhausted. Respond with what you have.",
					Importance: sessions.ImportanceLow,
				})
			}
			continue
		}

		r.store.Append(sessionID, sessions.Message{
			Role:    sessions.RoleAssistant,
			Content: resp.Content,
		})
		if resp.Usage != nil {
			span.SetAttributes(
				attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
				attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
			)
		}
		r.store.Flush(sessionID)
		r.emit(t, bus.AgentDone, map[string]interface{}{
			"cancelled":   false,
			"rounds":      rounds,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		return
	}
}

func (r *Runtime) model(fallback bool) string {
	if fallback && r.spec.FallbackModel != "" {
		return r.spec.FallbackModel
	}
	if r.spec.Model != "" {
		return r.spec.Model
	}
	return r.provider.DefaultModel()
}

// recordAssistantCall persists the assistant message that requested tools.
func (r *Runtime) recordAssistantCall(sessionID string, resp *providers.ChatResponse) {
	calls := make([]sessions.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		raw, _ := json.Marshal(tc.Arguments)
		calls = append(calls, sessions.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: raw})
	}
	r.store.Append(sessionID, sessions.Message{
		Role:      sessions.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	})
}

// executeTools runs one round of tool calls. Calls run in parallel only when
// every requested tool declares no side effects; anything else is sequential
// in request order.
func (r *Runtime) executeTools(ctx context.Context, t *turn, calls []providers.ToolCall) {
	parallel := true
	for _, tc := range calls {
		tool, ok := r.registry.Get(tc.Name)
		if !ok || tool.Effects() != tools.EffectsNone {
			parallel = false
			break
		}
	}

	for _, tc := range calls {
		gated := false
		if tool, ok := r.registry.Get(tc.Name); ok && tool.Class() != tools.ClassSafe {
			gated = true
		}
		r.emit(t, bus.AgentToolCall, map[string]interface{}{
			"call_id": tc.ID,
			"tool":    tc.Name,
			"args":    tc.Arguments,
			"pending": gated,
		})
	}

	results := make([]*tools.Result, len(calls))
	if parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, tc := range calls {
			g.Go(func() error {
				results[i] = r.executor.Execute(gctx, t.req.SessionID, tc.Name, tc.Arguments)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, tc := range calls {
			results[i] = r.executor.Execute(ctx, t.req.SessionID, tc.Name, tc.Arguments)
		}
	}

	for i, tc := range calls {
		res := results[i]
		if res == nil {
			res = tools.ErrorResult("tool did not produce a result")
		}
		raw, _ := json.Marshal(res)
		r.store.Append(t.req.SessionID, sessions.Message{
			Role:       sessions.RoleTool,
			ToolCallID: tc.ID,
			Content:    res.ForLLM,
			Result:     raw,
		})
		r.emit(t, bus.AgentToolResult, map[string]interface{}{
			"call_id":  tc.ID,
			"tool":     tc.Name,
			"is_error": res.IsError,
			"summary":  truncate(res.ForLLM, 200),
		})
		if res.File != nil {
			r.emit(t, bus.AgentFileGenerated, map[string]interface{}{
				"path":      res.File.Path,
				"mime_type": res.File.MimeType,
				"caption":   res.File.Caption,
			})
		}
	}
}

// finishCancelled persists any partial text and emits a cancelled done event.
func (r *Runtime) finishCancelled(t *turn, partial string) {
	if partial != "" {
		r.store.Append(t.req.SessionID, sessions.Message{
			Role:    sessions.RoleAssistant,
			Content: partial,
			Partial: true,
		})
	}
	r.store.Flush(t.req.SessionID)
	r.emit(t, bus.AgentDone, map[string]interface{}{"cancelled": true})
}

func (r *Runtime) finishError(t *turn, err error) {
	slog.Error("agent turn failed", "session", t.req.SessionID, "error", err)
	r.store.Flush(t.req.SessionID)
	r.emit(t, bus.AgentError, map[string]interface{}{
		"error":     err.Error(),
		"recovered": false,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
