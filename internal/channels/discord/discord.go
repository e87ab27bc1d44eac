// Package discord connects the gateway to Discord via gateway events.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/config"
)

// discordMaxMessage is Discord's text limit per message.
const discordMaxMessage = 2000

// Plugin is the Discord channel connector.
type Plugin struct {
	channels.Base
	cfg       config.DiscordConfig
	session   *discordgo.Session
	botUserID string
}

// New creates the Discord plugin. The bot token comes from the environment.
func New(cfg config.DiscordConfig) (*Plugin, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: missing bot token")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Plugin{
		Base:    channels.NewBase("discord", cfg.AllowFrom),
		cfg:     cfg,
		session: session,
	}, nil
}

// Start opens the gateway session and forwards message events until ctx is
// cancelled. discordgo reconnects transient drops itself; a failed Open is
// returned for the supervisor to back off on.
func (p *Plugin) Start(ctx context.Context, sink channels.InboundSink) error {
	remove := p.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		p.handleMessage(m, sink)
	})
	defer remove()

	if err := p.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer p.session.Close()

	user, err := p.session.User("@me")
	if err != nil {
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	p.botUserID = user.ID
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	<-ctx.Done()
	return nil
}

func (p *Plugin) handleMessage(m *discordgo.MessageCreate, sink channels.InboundSink) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == p.botUserID {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	peerKind := "group"
	if m.GuildID == "" {
		peerKind = "direct"
	}
	sender := m.Author.ID
	if m.Author.Username != "" {
		sender += "|" + m.Author.Username
	}
	sink(channels.Inbound{
		ChatID:   m.ChannelID,
		SenderID: sender,
		Content:  content,
		PeerKind: peerKind,
	})
}

// Send delivers text (split to the API limit) or a file attachment.
func (p *Plugin) Send(_ context.Context, out channels.Outbound) error {
	if out.Media != nil {
		f, err := os.Open(out.Media.Path)
		if err != nil {
			return fmt.Errorf("discord: open media: %w", err)
		}
		defer f.Close()
		name := filepath.Base(out.Media.Path)
		if out.Media.Caption != "" {
			_, err = p.session.ChannelMessageSendComplex(out.ChatID, &discordgo.MessageSend{
				Content: out.Media.Caption,
				Files:   []*discordgo.File{{Name: name, ContentType: out.Media.MimeType, Reader: f}},
			})
		} else {
			_, err = p.session.ChannelFileSend(out.ChatID, name, f)
		}
		if err != nil {
			return fmt.Errorf("discord: send file: %w", err)
		}
		return nil
	}

	for _, chunk := range splitMessage(out.Text, discordMaxMessage) {
		if _, err := p.session.ChannelMessageSend(out.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// splitMessage breaks text into limit-sized chunks at newline or space
// boundaries where possible.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(text[:limit], ' '); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
