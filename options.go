package cardwatch

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// cwConfig holds mutable state during CardWatch construction.
type cwConfig struct {
	title           string
	host            string
	port            int
	logger          *zerolog.Logger
	probeCommand    string
	probeArgs       []string
	pollCommand     string
	pollArgs        []string
	filter          string
	pty             bool
	signal          syscall.Signal
	shutdownTimeout time.Duration
	queueSize       int
	serveScript     bool
	eventCallbacks  []func(CardEvent)
}

// Option is a function that configures a [CardWatch] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*cwConfig) error

// WithPort sets the HTTP port for the subscriber endpoints.
//
// Defaults to 5001 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *cwConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithHost sets the interface the HTTP server binds to.
//
// Defaults to all interfaces.
func WithHost(host string) Option {
	return func(cfg *cwConfig) error {
		cfg.host = host
		return nil
	}
}

// WithTitle sets the title shown on the subscriber page.
func WithTitle(title string) Option {
	return func(cfg *cwConfig) error {
		cfg.title = title
		return nil
	}
}

// WithLogger sets a custom [zerolog.Logger] for the CardWatch instance.
//
// If not specified, logging is disabled.
//
// Returns an error if the logger is nil.
func WithLogger(logger *zerolog.Logger) Option {
	return func(cfg *cwConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithProbeCommand sets the command that lists reader devices, one per line.
//
// With no args the command is run with "-l".
//
// Example:
//
//	cw, err := cardwatch.New(
//	    cardwatch.WithProbeCommand("/usr/local/bin/nfc-poll", "-l"),
//	)
func WithProbeCommand(path string, args ...string) Option {
	return func(cfg *cwConfig) error {
		if path == "" {
			return errors.New("probe command cannot be empty")
		}
		cfg.probeCommand = path
		cfg.probeArgs = nil
		if len(args) > 0 {
			cfg.probeArgs = append([]string(nil), args...)
		}
		return nil
	}
}

// WithPollCommand sets the command started once per reader. The device id is
// appended after args.
func WithPollCommand(path string, args ...string) Option {
	return func(cfg *cwConfig) error {
		if path == "" {
			return errors.New("poll command cannot be empty")
		}
		cfg.pollCommand = path
		cfg.pollArgs = append([]string(nil), args...)
		return nil
	}
}

// WithDeviceFilter keeps only devices whose id contains substr.
func WithDeviceFilter(substr string) Option {
	return func(cfg *cwConfig) error {
		cfg.filter = substr
		return nil
	}
}

// WithPTY runs each poll process on a pseudo-terminal so its output is
// line-buffered. Its stderr is then merged into the event stream.
func WithPTY(enabled bool) Option {
	return func(cfg *cwConfig) error {
		cfg.pty = enabled
		return nil
	}
}

// WithTerminationSignal sets the signal sent to poll processes on shutdown.
//
// Defaults to SIGINT.
func WithTerminationSignal(sig syscall.Signal) Option {
	return func(cfg *cwConfig) error {
		if sig <= 0 {
			return fmt.Errorf("invalid termination signal %d", sig)
		}
		cfg.signal = sig
		return nil
	}
}

// WithShutdownTimeout sets how long a poll process may take to exit after
// the termination signal before it is killed.
//
// Defaults to 5 seconds.
//
// Returns an error if the duration is zero or negative.
func WithShutdownTimeout(d time.Duration) Option {
	return func(cfg *cwConfig) error {
		if d <= 0 {
			return errors.New("shutdown timeout must be positive")
		}
		cfg.shutdownTimeout = d
		return nil
	}
}

// WithSubscriberQueue sets how many events each subscriber connection may
// have pending. A subscriber that falls further behind is disconnected.
//
// Defaults to 64.
func WithSubscriberQueue(n int) Option {
	return func(cfg *cwConfig) error {
		if n < 1 {
			return errors.New("subscriber queue must be positive")
		}
		cfg.queueSize = n
		return nil
	}
}

// WithScript enables or disables serving the browser client at /nfc.js.
func WithScript(enabled bool) Option {
	return func(cfg *cwConfig) error {
		cfg.serveScript = enabled
		return nil
	}
}

// WithEventCallback registers a function to be called for every card event.
//
// Multiple callbacks may be registered; they execute in registration order
// after the event has been broadcast to subscribers.
//
// IMPORTANT: Callbacks must be non-blocking. They run on the reader's own
// goroutine, so a blocking callback stalls that reader. Callbacks for
// different readers may run concurrently.
//
// Panics within callbacks are recovered and logged.
//
// Nil callbacks are silently ignored.
func WithEventCallback(cb func(CardEvent)) Option {
	return func(cfg *cwConfig) error {
		if cb == nil {
			return nil
		}
		cfg.eventCallbacks = append(cfg.eventCallbacks, cb)
		return nil
	}
}
