package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/config"
)

// TurnRunner is the slice of the agent runtime the manager needs.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (<-chan bus.Event, error)
	Abort(sessionID string) bool
}

// RunnerResolver maps an environment name to its runtime. Returning nil
// means the environment is not configured.
type RunnerResolver func(env string) TurnRunner

// ChannelStatus is the RPC-visible state of one channel.
type ChannelStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Enabled bool   `json:"enabled"`
	Env     string `json:"env"`
	Error   string `json:"error,omitempty"`
}

type managed struct {
	plugin Plugin
	sup    *Supervisor
	cfg    config.ChannelCommon
}

// Manager owns channel plugins: lifecycle via supervisors, inbound policy,
// and routing between platforms and agent turns.
type Manager struct {
	resolver RunnerResolver
	pairing  *PairingService
	bus      *bus.Bus

	mu       sync.Mutex
	channels map[string]*managed
	runCtx   context.Context
}

func NewManager(resolver RunnerResolver, pairing *PairingService, b *bus.Bus) *Manager {
	return &Manager{
		resolver: resolver,
		pairing:  pairing,
		bus:      b,
		channels: make(map[string]*managed),
		runCtx:   context.Background(),
	}
}

// Register adds a plugin under the manager. Duplicate names are an error.
func (m *Manager) Register(plugin Plugin, cfg config.ChannelCommon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := plugin.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channels: %q already registered", name)
	}
	sink := func(msg Inbound) { m.handleInbound(name, msg) }
	m.channels[name] = &managed{
		plugin: plugin,
		sup:    NewSupervisor(plugin, sink, m.bus),
		cfg:    cfg,
	}
	return nil
}

// StartAll starts every enabled channel whose config wants auto-start.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	var toStart []*managed
	for _, mc := range m.channels {
		if mc.cfg.Enabled && mc.cfg.ShouldAutoStart() {
			toStart = append(toStart, mc)
		}
	}
	m.mu.Unlock()

	for _, mc := range toStart {
		mc.sup.Start(ctx)
	}
}

// StopAll stops every channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*managed, 0, len(m.channels))
	for _, mc := range m.channels {
		all = append(all, mc)
	}
	m.mu.Unlock()

	for _, mc := range all {
		mc.sup.Stop(ctx)
	}
}

// Start starts one channel by name. Idempotent.
func (m *Manager) Start(name string) error {
	mc, err := m.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	mc.sup.Start(ctx)
	return nil
}

// Stop stops one channel by name. Idempotent.
func (m *Manager) Stop(ctx context.Context, name string) error {
	mc, err := m.get(name)
	if err != nil {
		return err
	}
	mc.sup.Stop(ctx)
	return nil
}

// Restart stops then starts a channel, clearing a failed state.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.Start(name)
}

// Logout invokes the plugin's credential revocation, when supported.
func (m *Manager) Logout(ctx context.Context, name string) error {
	mc, err := m.get(name)
	if err != nil {
		return err
	}
	lp, ok := mc.plugin.(LogoutPlugin)
	if !ok {
		return fmt.Errorf("channels: %q does not support logout", name)
	}
	mc.sup.Stop(ctx)
	return lp.Logout(ctx)
}

// Status reports the state of every registered channel, sorted by name.
func (m *Manager) Status() []ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelStatus, 0, len(m.channels))
	for name, mc := range m.channels {
		st := ChannelStatus{
			Name:    name,
			State:   string(mc.sup.State()),
			Enabled: mc.cfg.Enabled,
			Env:     mc.cfg.EnvName(),
		}
		if err := mc.sup.LastError(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Send delivers a message out through a named channel.
func (m *Manager) Send(ctx context.Context, name string, out Outbound) error {
	mc, err := m.get(name)
	if err != nil {
		return err
	}
	if mc.sup.State() != StateRunning {
		return fmt.Errorf("channels: %q is not running", name)
	}
	return mc.plugin.Send(ctx, out)
}

// SessionID derives the durable conversation identity for a chat.
func SessionID(channel, chatID string) string {
	return channel + ":" + chatID
}

func (m *Manager) get(name string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("channels: unknown channel %q", name)
	}
	return mc, nil
}

// handleInbound applies sender policy, then routes the message into an agent
// turn and streams the reply back to the platform.
func (m *Manager) handleInbound(name string, msg Inbound) {
	mc, err := m.get(name)
	if err != nil {
		return
	}
	if !m.admit(mc, name, msg) {
		return
	}

	ev := bus.New(bus.ChannelMessageIn, name, map[string]interface{}{
		"sender":  msg.SenderID,
		"chat":    msg.ChatID,
		"preview": Truncate(msg.Content, 120),
	})
	ev.ChannelID = name
	ev.SessionID = SessionID(name, msg.ChatID)
	ev.Broadcast = true
	m.bus.Publish(ev)

	runner := m.resolver(mc.cfg.EnvName())
	if runner == nil {
		slog.Error("channel routed to unknown environment", "channel", name, "env", mc.cfg.EnvName())
		return
	}

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	events, err := runner.RunTurn(ctx, agent.TurnRequest{
		SessionID: SessionID(name, msg.ChatID),
		Content:   msg.Content,
		Source:    name,
	})
	if err == agent.ErrSessionBusy {
		m.reply(mc, msg.ChatID, "Still working on your previous message — give me a moment.")
		return
	}
	if err != nil {
		slog.Error("turn start failed", "channel", name, "error", err)
		return
	}

	go m.pump(mc, name, msg.ChatID, events)
}

// admit enforces the channel's DM policy. It may side-effect (issuing a
// pairing code reply) and returns whether the message proceeds to the agent.
func (m *Manager) admit(mc *managed, name string, msg Inbound) bool {
	policy := DMPolicy(mc.cfg.DMPolicy)
	if policy == "" {
		policy = DMPolicyOpen
	}
	switch policy {
	case DMPolicyDisabled:
		return false

	case DMPolicyAllowlist:
		base := NewBase(name, mc.cfg.AllowFrom)
		return base.IsAllowed(msg.SenderID)

	case DMPolicyPairing:
		if m.pairing == nil {
			return false
		}
		if m.pairing.IsApproved(name, msg.SenderID) {
			return true
		}
		req, err := m.pairing.Issue(name, msg.SenderID, msg.ChatID)
		if err != nil {
			slog.Error("pairing code issue failed", "channel", name, "error", err)
			return false
		}
		ev := bus.New(bus.PairingRequested, name, map[string]interface{}{
			"code":   req.Code,
			"sender": msg.SenderID,
		})
		ev.ChannelID = name
		ev.Broadcast = true
		m.bus.Publish(ev)
		m.reply(mc, msg.ChatID, fmt.Sprintf(
			"This bot is private. Your pairing code is %s — ask the operator to approve it.", req.Code))
		return false

	default: // open
		return true
	}
}

// pump drains one turn's events to the platform.
func (m *Manager) pump(mc *managed, name, chatID string, events <-chan bus.Event) {
	sp, streaming := mc.plugin.(StreamingPlugin)
	streaming = streaming && sp.StreamEnabled()

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	var full string
	if streaming {
		if err := sp.OnStreamStart(ctx, chatID); err != nil {
			streaming = false
		}
	}
	batcher := NewBatcher(func(text string) {
		m.reply(mc, chatID, text)
	})
	defer batcher.Close()

	for ev := range events {
		switch ev.Type {
		case bus.AgentText:
			if thinking, _ := ev.Data["thinking"].(bool); thinking {
				continue
			}
			text, _ := ev.Data["text"].(string)
			if streaming {
				full += text
				_ = sp.OnStreamChunk(ctx, chatID, full)
			} else {
				batcher.Write(text)
			}

		case bus.AgentFileGenerated:
			m.sendFile(mc, chatID, ev.Data)

		case bus.AgentError:
			if recovered, _ := ev.Data["recovered"].(bool); recovered {
				continue
			}
			batcher.Flush()
			m.reply(mc, chatID, "Sorry, something went wrong handling that. Please try again.")

		case bus.AgentDone:
			if streaming {
				_ = sp.OnStreamEnd(ctx, chatID, full)
			}
		}
	}
}

func (m *Manager) sendFile(mc *managed, chatID string, data map[string]interface{}) {
	path, _ := data["path"].(string)
	if path == "" {
		return
	}
	caption, _ := data["caption"].(string)
	mime, _ := data["mime_type"].(string)
	if mime == "" {
		mime = MimeTypeForPath(path)
	}

	sendPath := path
	if IsImagePath(path) {
		if prepared, err := PrepareImage(path); err == nil {
			sendPath = prepared
		}
	}
	defer CleanupResized(path, sendPath)

	ctx, cancel := context.WithTimeout(context.Background(), mc.cfg.SendTimeout())
	defer cancel()
	err := mc.plugin.Send(ctx, Outbound{
		ChatID: chatID,
		Media:  &OutboundMedia{Path: sendPath, MimeType: mime, Caption: caption},
	})
	if err != nil {
		slog.Error("media send failed", "channel", mc.plugin.Name(), "error", err)
	}
}

func (m *Manager) reply(mc *managed, chatID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), mc.cfg.SendTimeout())
	defer cancel()
	if err := mc.plugin.Send(ctx, Outbound{ChatID: chatID, Text: text}); err != nil {
		slog.Error("channel send failed", "channel", mc.plugin.Name(), "error", err)
		ev := bus.New(bus.ChannelError, mc.plugin.Name(), map[string]interface{}{"error": err.Error()})
		ev.ChannelID = mc.plugin.Name()
		ev.Broadcast = true
		m.bus.Publish(ev)
		return
	}
	ev := bus.New(bus.ChannelMessageOut, mc.plugin.Name(), map[string]interface{}{
		"chat":    chatID,
		"preview": Truncate(text, 120),
	})
	ev.ChannelID = mc.plugin.Name()
	ev.SessionID = SessionID(mc.plugin.Name(), chatID)
	ev.Broadcast = true
	m.bus.Publish(ev)
}
