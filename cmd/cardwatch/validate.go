package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a cardwatch configuration file without starting the server.

This command parses the YAML, expands environment variables, applies flag
and CARDWATCH_* overrides, and validates all fields. It's useful for CI/CD
pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  cardwatch validate -c config.yaml
  cardwatch validate --config /etc/cardwatch/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	addSettingsFlags(validateCmd)
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	filter := cfg.Filter
	if filter == "" {
		filter = "(none)"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Listen:           %s:%d\n", cfg.Host, cfg.Port)
	fmt.Fprintf(out, "  Probe:            %s\n", strings.TrimSpace(cfg.Probe.Command+" "+strings.Join(cfg.Probe.Args, " ")))
	fmt.Fprintf(out, "  Poll:             %s <device>\n", strings.TrimSpace(cfg.Poll.Command+" "+strings.Join(cfg.Poll.Args, " ")))
	fmt.Fprintf(out, "  Filter:           %s\n", filter)
	fmt.Fprintf(out, "  Shutdown:         %s after %s\n", cfg.Poll.Signal, cfg.Poll.ShutdownTimeout.Duration())
	fmt.Fprintf(out, "  Subscriber queue: %d\n", cfg.SubscriberQueue)

	return nil
}
