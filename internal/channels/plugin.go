// Package channels connects external messaging surfaces (Telegram, Discord,
// WebChat) to the agent runtime. Each plugin runs under a supervisor that
// restarts it with backoff, and the manager routes inbound messages to agent
// turns and streams replies back out.
package channels

import (
	"context"
	"strings"
)

// DMPolicy controls how messages from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"      // accept all
	DMPolicyAllowlist DMPolicy = "allowlist" // only listed senders
	DMPolicyPairing   DMPolicy = "pairing"   // unknown senders get a pairing code
	DMPolicyDisabled  DMPolicy = "disabled"  // reject all
)

// Inbound is a message arriving from a platform.
type Inbound struct {
	ChatID   string
	SenderID string
	Content  string
	Media    []string // local paths of downloaded attachments
	PeerKind string   // "direct" or "group"
}

// Outbound is a message leaving for a platform.
type Outbound struct {
	ChatID string
	Text   string
	Media  *OutboundMedia
}

// OutboundMedia is a file attachment for an outbound message.
type OutboundMedia struct {
	Path     string
	MimeType string
	Caption  string
}

// InboundSink receives messages a plugin pulled from its platform.
type InboundSink func(Inbound)

// Plugin is one platform connector. Start is the plugin's run loop: it
// blocks until ctx is cancelled (clean stop, return nil) or the connection
// fails (return the error); the supervisor restarts failed plugins with
// backoff.
type Plugin interface {
	Name() string
	Start(ctx context.Context, sink InboundSink) error
	Send(ctx context.Context, out Outbound) error
}

// StreamingPlugin is implemented by plugins that can render incremental
// response updates (e.g. editing a message as chunks arrive).
type StreamingPlugin interface {
	Plugin
	StreamEnabled() bool
	OnStreamStart(ctx context.Context, chatID string) error
	OnStreamChunk(ctx context.Context, chatID, fullText string) error
	OnStreamEnd(ctx context.Context, chatID, finalText string) error
}

// LogoutPlugin is implemented by plugins holding platform credentials that
// can be discarded at runtime (e.g. bot session revocation).
type LogoutPlugin interface {
	Plugin
	Logout(ctx context.Context) error
}

// Base provides shared allowlist handling for plugin implementations.
type Base struct {
	name      string
	allowList []string
}

func NewBase(name string, allowList []string) Base {
	return Base{name: name, allowList: allowList}
}

func (b *Base) Name() string { return b.name }

// IsAllowed checks a sender against the allowlist. Compound ids in the form
// "id|username" match on either part; a leading "@" on list entries is
// ignored. An empty list allows everyone.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowList) == 0 {
		return true
	}
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}
	for _, allowed := range b.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
