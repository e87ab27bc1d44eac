// Package telegram connects the gateway to Telegram via Bot API long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/config"
)

// telegramMaxMessage is the Bot API text limit per message.
const telegramMaxMessage = 4096

// Plugin is the Telegram channel connector.
type Plugin struct {
	channels.Base
	cfg config.TelegramConfig
	bot *telego.Bot
}

// New creates the Telegram plugin. The bot token comes from the environment.
func New(cfg config.TelegramConfig) (*Plugin, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: missing bot token")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Plugin{
		Base: channels.NewBase("telegram", cfg.AllowFrom),
		cfg:  cfg,
		bot:  bot,
	}, nil
}

// Start long-polls for updates until ctx is cancelled. A closed updates
// stream outside shutdown is reported as an error so the supervisor
// reconnects.
func (p *Plugin) Start(ctx context.Context, sink channels.InboundSink) error {
	updates, err := p.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "username", p.bot.Username())

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("telegram: updates stream closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			sink(p.toInbound(update.Message))
		}
	}
}

func (p *Plugin) toInbound(msg *telego.Message) channels.Inbound {
	sender := ""
	if msg.From != nil {
		sender = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.Username != "" {
			sender += "|" + msg.From.Username
		}
	}
	peerKind := "group"
	if msg.Chat.Type == telego.ChatTypePrivate {
		peerKind = "direct"
	}
	return channels.Inbound{
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		SenderID: sender,
		Content:  msg.Text,
		PeerKind: peerKind,
	}
}

// Send delivers text (split to the API limit) or a media attachment.
func (p *Plugin) Send(ctx context.Context, out channels.Outbound) error {
	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", out.ChatID, err)
	}

	if out.Media != nil {
		return p.sendMedia(ctx, chatID, out.Media)
	}

	for _, chunk := range splitMessage(out.Text, telegramMaxMessage) {
		if _, err := p.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

func (p *Plugin) sendMedia(ctx context.Context, chatID int64, media *channels.OutboundMedia) error {
	f, err := os.Open(media.Path)
	if err != nil {
		return fmt.Errorf("telegram: open media: %w", err)
	}
	defer f.Close()

	if strings.HasPrefix(media.MimeType, "image/") {
		photo := tu.Photo(tu.ID(chatID), tu.File(f))
		if media.Caption != "" {
			photo = photo.WithCaption(media.Caption)
		}
		if _, err := p.bot.SendPhoto(ctx, photo); err != nil {
			return fmt.Errorf("telegram: send photo: %w", err)
		}
		return nil
	}

	doc := tu.Document(tu.ID(chatID), tu.File(f))
	if media.Caption != "" {
		doc = doc.WithCaption(media.Caption)
	}
	if _, err := p.bot.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

// splitMessage breaks text into limit-sized chunks, preferring newline then
// space boundaries.
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
