// Package main is the entry point for the cardwatch CLI.
//
// cardwatch can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	cardwatch serve -c config.yaml     # Supervise readers and serve subscribers
//	cardwatch validate -c config.yaml  # Validate configuration
//	cardwatch devices                  # List reader devices once
//	cardwatch watch --url ws://host/ws # Print events from a running server
//	cardwatch version                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "cardwatch",
	Short: "Broadcast NFC card reader events to web clients",
	Long: `cardwatch supervises one polling process per NFC card reader and
broadcasts every card placed or removed to WebSocket and SSE subscribers.

Quick start:
  1. Check your readers: cardwatch devices
  2. Run: cardwatch serve
  3. Open http://localhost:5001 in your browser

Settings come from flags, CARDWATCH_* environment variables (also read
from .env and .env.local), an optional YAML config file, then defaults.

Example config:
  port: 5001
  poll:
    command: /usr/local/bin/nfc-poll
    signal: SIGINT
    shutdown_timeout: 5s
  filter: "acr122_usb:"`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already prints the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this cardwatch binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cardwatch %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
