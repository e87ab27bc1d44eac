// Package cmd is the hearth CLI: the gateway daemon plus client commands
// that speak the WebSocket RPC protocol.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/openhearth/hearth/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "Hearth — personal AI-assistant gateway",
	Long:  "Hearth joins chat platforms, scheduled triggers, and a WebSocket control plane to LLM-backed agent runtimes.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HEARTH_CONFIG or ~/.hearth/config.json5)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(statusCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hearth %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
