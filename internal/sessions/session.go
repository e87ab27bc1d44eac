// Package sessions owns per-conversation state: the append-only message log,
// debounced atomic persistence, and the context-budget compaction view used
// to build prompts.
package sessions

import (
	"encoding/json"
	"time"
)

// Role is a message author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Importance controls compaction drop order.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceNormal Importance = "normal"
	ImportanceLow    Importance = "low"
)

// ToolCall records a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one immutable entry in a session log.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"` // role=tool: the call this answers
	Result     json.RawMessage `json:"result,omitempty"`       // role=tool: structured tool result
	TS         time.Time       `json:"ts"`
	Importance Importance      `json:"importance,omitempty"`
	Partial    bool            `json:"partial,omitempty"` // assistant text persisted after cancellation
	Tokens     int             `json:"tokens,omitempty"`  // estimate, filled on append
}

// Session is a durable conversation identity. The first message, if any, is
// system or user; every tool result is preceded by its matching tool call.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Summary      string    `json:"summary,omitempty"`
	Messages     []Message `json:"messages"`
	WorkspaceDir string    `json:"workspace_dir,omitempty"`
}

// DefaultImportance classifies messages for compaction: system and tool
// traffic are high, user messages normal, short acknowledgment-only
// assistant text low.
func DefaultImportance(m Message) Importance {
	if m.Importance != "" {
		return m.Importance
	}
	switch m.Role {
	case RoleSystem, RoleTool:
		return ImportanceHigh
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			return ImportanceHigh
		}
		if isAcknowledgment(m.Content) {
			return ImportanceLow
		}
		return ImportanceNormal
	default:
		return ImportanceNormal
	}
}

// isAcknowledgment detects pure filler replies ("ok", "sure, done.") that are
// safe to drop first during compaction.
func isAcknowledgment(s string) bool {
	if len(s) == 0 || len(s) > 40 {
		return false
	}
	short := []string{"ok", "okay", "sure", "done", "got it", "understood", "thanks", "you're welcome", "no problem"}
	lower := ""
	for _, r := range s {
		switch r {
		case '.', '!', ',':
		default:
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			lower += string(r)
		}
	}
	for _, a := range short {
		if lower == a {
			return true
		}
	}
	return false
}
