// Package bus implements the in-process typed event bus: synchronous per-type
// fan-out with copy-on-write subscriber lists, plus a ready buffer that holds
// broadcast events until the first WebSocket sink attaches.
package bus

import "time"

// EventType enumerates every event the gateway publishes. Values double as
// wire event names (dotted lowercase).
type EventType string

const (
	AgentStart         EventType = "agent.start"
	AgentText          EventType = "agent.text"
	AgentToolCall      EventType = "agent.tool.call"
	AgentToolResult    EventType = "agent.tool.result"
	AgentFileGenerated EventType = "agent.file.generated"
	AgentDone          EventType = "agent.done"
	AgentError         EventType = "agent.error"

	ChannelMessageIn    EventType = "channel.message.in"
	ChannelMessageOut   EventType = "channel.message.out"
	ChannelStateChanged EventType = "channel.state.changed"
	ChannelError        EventType = "channel.error"
	WebChatMessage      EventType = "webchat.message"

	CronTick      EventType = "cron.tick"
	CronRunStart  EventType = "cron.run.start"
	CronRunDone   EventType = "cron.run.done"
	CronRunFailed EventType = "cron.run.failed"

	SystemStartup  EventType = "system.startup"
	SystemShutdown EventType = "system.shutdown"

	ConfigChanged EventType = "config.changed"

	ApprovalRequested EventType = "approval.requested"
	ApprovalResolved  EventType = "approval.resolved"
	PairingRequested  EventType = "pairing.requested"

	// TypeAny subscribes a handler to every event type.
	TypeAny EventType = "*"
)

// Event is an immutable value flowing through the bus. Subscribers must not
// retain it past the handler call unless they Clone.
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id,omitempty"`
	ChannelID string                 `json:"channel_id,omitempty"`
	Time      time.Time              `json:"ts"`
	Data      map[string]interface{} `json:"data,omitempty"`

	// Broadcast marks events that must reach WebSocket clients even when no
	// connection exists yet (held in the ready buffer until first attach).
	Broadcast bool `json:"-"`
}

// New builds an event stamped with the current time.
func New(t EventType, source string, data map[string]interface{}) Event {
	return Event{Type: t, Source: source, Time: time.Now().UTC(), Data: data}
}

// Clone returns a deep-enough copy for retention beyond the handler call.
func (e Event) Clone() Event {
	c := e
	if e.Data != nil {
		c.Data = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return c
}
