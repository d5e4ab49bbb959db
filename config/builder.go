package config

import (
	"fmt"

	"github.com/jpalmerr/cardwatch"
	"github.com/jpalmerr/cardwatch/internal/reader"
)

// BuildOptions converts parsed configuration into SDK options.
//
// The returned options do not include a logger or event callbacks; callers
// append those themselves.
func BuildOptions(cfg *Config) ([]cardwatch.Option, error) {
	sig, err := reader.ParseSignal(cfg.Poll.Signal)
	if err != nil {
		return nil, fmt.Errorf("poll: signal: %w", err)
	}

	opts := []cardwatch.Option{
		cardwatch.WithPort(cfg.Port),
		cardwatch.WithProbeCommand(cfg.Probe.Command, cfg.Probe.Args...),
		cardwatch.WithPollCommand(cfg.Poll.Command, cfg.Poll.Args...),
		cardwatch.WithPTY(cfg.Poll.PTY),
		cardwatch.WithTerminationSignal(sig),
	}

	if cfg.Host != "" {
		opts = append(opts, cardwatch.WithHost(cfg.Host))
	}
	if cfg.Title != "" {
		opts = append(opts, cardwatch.WithTitle(cfg.Title))
	}
	if cfg.Filter != "" {
		opts = append(opts, cardwatch.WithDeviceFilter(cfg.Filter))
	}
	if cfg.Poll.ShutdownTimeout != 0 {
		opts = append(opts, cardwatch.WithShutdownTimeout(cfg.Poll.ShutdownTimeout.Duration()))
	}
	if cfg.SubscriberQueue != 0 {
		opts = append(opts, cardwatch.WithSubscriberQueue(cfg.SubscriberQueue))
	}
	if cfg.ServeScript != nil {
		opts = append(opts, cardwatch.WithScript(*cfg.ServeScript))
	}

	return opts, nil
}
