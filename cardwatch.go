package cardwatch

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/jpalmerr/cardwatch/internal/broadcast"
	"github.com/jpalmerr/cardwatch/internal/discovery"
	"github.com/jpalmerr/cardwatch/internal/reader"
	"github.com/jpalmerr/cardwatch/internal/server"
	"github.com/jpalmerr/cardwatch/web"
)

const (
	defaultPort            = 5001
	defaultCommand         = "nfc-poll"
	defaultSignal          = syscall.SIGINT
	defaultShutdownTimeout = 5 * time.Second
	defaultQueueSize       = broadcast.DefaultQueueSize
)

// CardWatch is the main orchestrator for reader supervision and event
// broadcasting.
//
// CardWatch discovers the attached card readers, runs one polling process
// per reader and streams every card event to the WebSocket and SSE
// subscribers of its HTTP server. It is created using [New] with functional
// options and started with [CardWatch.Start].
//
// The typical lifecycle is:
//
//	cw, err := cardwatch.New(cardwatch.WithPollCommand("/usr/local/bin/nfc-poll"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	cw.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// terminate every polling process and shut the server down.
type CardWatch struct {
	title          string
	host           string
	port           int
	logger         *zerolog.Logger
	discovery      discovery.Options
	command        reader.CommandConfig
	queueSize      int
	serveScript    bool
	eventCallbacks []func(CardEvent)
}

// New creates a new [CardWatch] instance with the given options.
//
// All options have defaults:
//   - Port: 5001 on all interfaces
//   - Probe and poll command: "nfc-poll" ("nfc-poll -l" lists devices)
//   - Termination signal: SIGINT, killed after 5 seconds
//   - Subscriber queue: 64 events
//   - /nfc.js served
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*CardWatch, error) {
	cfg := &cwConfig{
		port:            defaultPort,
		probeCommand:    defaultCommand,
		pollCommand:     defaultCommand,
		signal:          defaultSignal,
		shutdownTimeout: defaultShutdownTimeout,
		queueSize:       defaultQueueSize,
		serveScript:     true,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &CardWatch{
		title:  cfg.title,
		host:   cfg.host,
		port:   cfg.port,
		logger: logger,
		discovery: discovery.Options{
			Command: cfg.probeCommand,
			Args:    cfg.probeArgs,
			Filter:  cfg.filter,
		},
		command: reader.CommandConfig{
			Path:            cfg.pollCommand,
			Args:            cfg.pollArgs,
			PTY:             cfg.pty,
			Signal:          cfg.signal,
			ShutdownTimeout: cfg.shutdownTimeout,
		},
		queueSize:      cfg.queueSize,
		serveScript:    cfg.serveScript,
		eventCallbacks: cfg.eventCallbacks,
	}, nil
}

// Start supervises the readers and serves subscribers.
//
// Start is a blocking call that runs until the provided context is cancelled.
// During execution:
//
//   - The HTTP server listens on the configured address
//   - Devices are discovered once and a polling process starts for each
//   - Every event is broadcast to subscribers, then passed to event callbacks
//
// If every reader stream ends on its own the server keeps serving until
// cancellation. On cancellation every polling process is terminated before
// the server shuts down.
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server fails to start.
func (cw *CardWatch) Start(ctx context.Context) error {
	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	cw.logger.Info().
		Str("addr", cw.Addr()).
		Str("poll_command", cw.command.Path).
		Str("filter", cw.discovery.Filter).
		Msg("cardwatch starting")

	broadcaster := broadcast.New(cw.logger)
	pool := reader.NewPool(reader.PoolConfig{
		Discovery: cw.discovery,
		Command:   cw.command,
	}, cw.eventHandler(broadcaster), cw.logger)

	httpServer := server.NewServer(server.Config{
		Host:        cw.host,
		Port:        cw.port,
		Title:       cw.title,
		ServeScript: cw.serveScript,
		QueueSize:   cw.queueSize,
	}, broadcaster, pool, web.Assets, cw.logger)
	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := pool.Run(ctx); err == nil && ctx.Err() == nil {
			cw.logger.Warn().Msg("no card readers running, still serving subscribers")
		}
	})

	<-ctx.Done()
	pool.Close()
	wg.Wait()
	<-httpServer.Done()

	cw.logger.Info().Msg("cardwatch stopped")
	return nil
}

// eventHandler returns the callback shared by every reader.
func (cw *CardWatch) eventHandler(b *broadcast.Broadcaster) reader.Callback {
	return func(ev reader.Event) {
		delivered := b.Broadcast(ev)

		if len(cw.eventCallbacks) > 0 {
			public := cardEventFromReader(ev)
			for _, cb := range cw.eventCallbacks {
				invokeCallbackSafe(cb, public, cw.logger)
			}
		}

		cw.logger.Debug().
			Str("device", ev.Reader).
			Str("card", ev.Card).
			Int("subscribers", delivered).
			Msg("card event")
	}
}

// Addr returns the configured listen address.
func (cw *CardWatch) Addr() string {
	return net.JoinHostPort(cw.host, strconv.Itoa(cw.port))
}

// Port returns the configured HTTP port.
func (cw *CardWatch) Port() int {
	return cw.port
}

// invokeCallbackSafe calls an event callback with panic recovery.
// Panics are logged with a correlation ID but do not propagate.
func invokeCallbackSafe(cb func(CardEvent), ev CardEvent, logger *zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("correlation_id", uuid.NewString()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("device", ev.Reader).
				Str("stack", string(debug.Stack())).
				Msg("event callback panicked")
		}
	}()
	cb(ev)
}
