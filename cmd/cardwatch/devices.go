package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/cardwatch/internal/discovery"
)

const discoveryTimeout = 30 * time.Second

// devicesCmd runs discovery once and prints the device ids.
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List card reader devices",
	Long: `Run the probe command once and print the reader device ids that
serve would supervise, one per line, after the filter is applied.

Example:
  cardwatch devices
  cardwatch devices --filter acr122_usb`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	addSettingsFlags(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), discoveryTimeout)
	defer cancel()

	devices, err := discovery.Discover(ctx, discovery.Options{
		Command: cfg.Probe.Command,
		Args:    cfg.Probe.Args,
		Filter:  cfg.Filter,
	})
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no card readers found")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintln(cmd.OutOrStdout(), d)
	}
	return nil
}
