package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/runtimeenv"
	"github.com/openhearth/hearth/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	// Secrets come from the environment; .env.local is a convenience for
	// local runs and is ignored when absent.
	_ = godotenv.Load(".env.local")

	logs := telemetry.NewLogBuffer(1000)
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logs.Handler(text)))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := runtimeenv.Bootstrap(ctx, cfg, cfgPath, logs)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	// Most settings need a restart; the reload event lets connected
	// operators know the file changed underneath the running process.
	stopWatch, err := config.Watch(cfgPath, func(fresh *config.Config) {
		ev := bus.New(bus.ConfigChanged, "config", map[string]interface{}{"path": cfgPath})
		ev.Broadcast = true
		app.Bus.Publish(ev)
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	if err := app.Run(ctx); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
