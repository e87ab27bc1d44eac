package runtimeenv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/channels/discord"
	"github.com/openhearth/hearth/internal/channels/telegram"
	"github.com/openhearth/hearth/internal/channels/webchat"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/cron"
	"github.com/openhearth/hearth/internal/gateway"
	"github.com/openhearth/hearth/internal/telemetry"
	"github.com/openhearth/hearth/internal/tools"
)

// App is the fully wired process.
type App struct {
	Cfg        *config.Config
	ConfigPath string
	Bus        *bus.Bus
	Envs       map[string]*Env
	Approvals  *tools.ApprovalBroker
	Pairing    *channels.PairingService
	Channels   *channels.Manager
	Cron       *cron.Service
	Gateway    *gateway.Server
	WebChat    *webchat.Plugin
	Logs       *telemetry.LogBuffer

	cleanups []func(context.Context) error
}

// env returns the named environment, "" meaning default. Nil when unknown.
func (a *App) env(name string) *Env {
	if name == "" {
		name = "default"
	}
	return a.Envs[name]
}

func (a *App) pushCleanup(fn func(context.Context) error) {
	a.cleanups = append(a.cleanups, fn)
}

// Shutdown stops everything in reverse build order.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Bootstrap builds the process in dependency order. Any failure rolls back
// the components already built, in reverse.
func Bootstrap(ctx context.Context, cfg *config.Config, configPath string, logs *telemetry.LogBuffer) (app *App, err error) {
	app = &App{
		Cfg:        cfg,
		ConfigPath: configPath,
		Envs:       make(map[string]*Env),
		Logs:       logs,
	}
	defer func() {
		if err != nil {
			_ = app.Shutdown(context.Background())
		}
	}()

	// 1-2. Event bus (config already built by the caller).
	busOpts := []bus.Option{}
	if cfg.Bus.ReadyCapacity > 0 {
		drop := cfg.Bus.DropIfSlow == nil || *cfg.Bus.DropIfSlow
		busOpts = append(busOpts, bus.WithReadyBuffer(bus.NewReadyBuffer(cfg.Bus.ReadyCapacity, drop)))
	}
	app.Bus = bus.NewBus(busOpts...)

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: telemetry: %w", err)
	}
	app.pushCleanup(shutdownTelemetry)

	// 3-4. Environments: stores, registries, providers, runtimes.
	app.Approvals = tools.NewApprovalBroker(app.Bus, 0)
	names := append([]string{"default"}, cfg.EnvNames()...)
	for _, name := range names {
		if _, exists := app.Envs[name]; exists {
			continue
		}
		env, err := buildEnv(name, cfg, app.Bus, app.Approvals)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		app.Envs[name] = env
		app.pushCleanup(func(context.Context) error { return env.Store.Close() })
	}
	defaultEnv := app.Envs["default"]

	// 5. Initialize cron with the lazy channel accessor; the tick loop does
	// not start until Run.
	cronStore, err := cron.NewStore(defaultEnv.Spec.Workspace)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: cron store: %w", err)
	}
	app.Cron = cron.NewService(cronStore, app.Bus, defaultEnv.Runtime, func() cron.ChannelSender {
		if app.Channels == nil {
			return nil
		}
		return app.Channels
	})

	// 6. Channel manager and plugins.
	app.Pairing, err = channels.NewPairingService(defaultEnv.Spec.Workspace)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: pairing: %w", err)
	}
	app.Channels = channels.NewManager(func(envName string) channels.TurnRunner {
		env := app.env(envName)
		if env == nil {
			return nil
		}
		return env.Runtime
	}, app.Pairing, app.Bus)

	if err := app.registerPlugins(cfg); err != nil {
		return nil, err
	}

	// 8 (built here, started in Run). Gateway RPC server.
	app.Gateway = gateway.NewServer(cfg, app.Bus, gateway.Deps{
		Resolver: func(envName string) gateway.AgentRunner {
			env := app.env(envName)
			if env == nil {
				return nil
			}
			return env.Runtime
		},
		Channels:   app.Channels,
		Cron:       app.Cron,
		Approvals:  app.Approvals,
		Pairing:    app.Pairing,
		WebChat:    app.WebChat,
		Logs:       logs,
		ConfigPath: configPath,
	})

	return app, nil
}

// registerPlugins creates each configured channel plugin. Missing
// credentials disable a channel; they never abort startup.
func (a *App) registerPlugins(cfg *config.Config) error {
	if cfg.Channels.WebChat.Enabled {
		wc := webchat.New(cfg.Channels.WebChat)
		wc.SetDelivery(func(out channels.Outbound) {
			ev := bus.New(bus.WebChatMessage, "webchat", map[string]interface{}{
				"chat": out.ChatID,
				"text": out.Text,
			})
			ev.ChannelID = "webchat"
			ev.SessionID = channels.SessionID("webchat", out.ChatID)
			ev.Broadcast = true
			a.Bus.Publish(ev)
		})
		if err := a.Channels.Register(wc, cfg.Channels.WebChat.ChannelCommon); err != nil {
			return fmt.Errorf("bootstrap: webchat: %w", err)
		}
		a.WebChat = wc
	}

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			slog.Warn("telegram enabled but TELEGRAM_BOT_TOKEN unset, channel disabled")
		} else {
			tg, err := telegram.New(cfg.Channels.Telegram)
			if err != nil {
				return fmt.Errorf("bootstrap: telegram: %w", err)
			}
			if err := a.Channels.Register(tg, cfg.Channels.Telegram.ChannelCommon); err != nil {
				return fmt.Errorf("bootstrap: telegram: %w", err)
			}
		}
	}

	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token == "" {
			slog.Warn("discord enabled but DISCORD_BOT_TOKEN unset, channel disabled")
		} else {
			dc, err := discord.New(cfg.Channels.Discord)
			if err != nil {
				return fmt.Errorf("bootstrap: discord: %w", err)
			}
			if err := a.Channels.Register(dc, cfg.Channels.Discord.ChannelCommon); err != nil {
				return fmt.Errorf("bootstrap: discord: %w", err)
			}
		}
	}
	return nil
}

// Run starts the long-running pieces in order: cron tick loop, gateway,
// then channels. It blocks until ctx is cancelled, then stops everything.
func (a *App) Run(ctx context.Context) error {
	startup := bus.New(bus.SystemStartup, "bootstrap", map[string]interface{}{
		"envs": len(a.Envs),
	})
	startup.Broadcast = true
	a.Bus.Publish(startup)

	// 7. Channel accessor now resolves; start the tick loop.
	a.Cron.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	// 8. RPC server (first operator connection drains the event buffer).
	g.Go(func() error { return a.Gateway.Start(gctx) })

	// 9. Channels per auto-start policy.
	a.Channels.StartAll(gctx)

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Channels.StopAll(stopCtx)
	a.Cron.Stop()

	down := bus.New(bus.SystemShutdown, "bootstrap", nil)
	a.Bus.Publish(down)

	if shErr := a.Shutdown(stopCtx); err == nil {
		err = shErr
	}
	return err
}
