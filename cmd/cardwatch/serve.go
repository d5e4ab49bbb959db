package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/cardwatch"
	"github.com/jpalmerr/cardwatch/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd starts the reader supervisor and subscriber server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Supervise card readers and serve subscribers",
	Long: `Start cardwatch.

The server will:
  - Discover card readers with the probe command
  - Start one poll process per reader
  - Broadcast every card event on /ws (WebSocket) and /api/sse

The server runs until interrupted (Ctrl+C) or receives SIGTERM, then stops
every poll process before exiting.

Example:
  cardwatch serve
  cardwatch serve -c /etc/cardwatch/config.yaml --port 8080
  CARDWATCH_FILTER=acr122 cardwatch serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addSettingsFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	logger.Info().
		Str("probe", cfg.Probe.Command).
		Str("poll", cfg.Poll.Command).
		Str("filter", cfg.Filter).
		Msg("config loaded")

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	opts = append(opts, cardwatch.WithLogger(&logger))

	cw, err := cardwatch.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create cardwatch: %w", err)
	}

	// cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- cw.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil

	case <-ctx.Done():
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info().Msg("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn().
				Dur("timeout", shutdownTimeout).
				Str("action", "forcing exit").
				Msg("shutdown timed out")
			return nil
		}
	}
}
