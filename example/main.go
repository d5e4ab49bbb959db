// SDK example: supervise simulated readers and print every card event.
//
// Usage:
//
//	go build -o /tmp/fakepoll ./example/cmd/fakepoll
//	go run ./example -poll /tmp/fakepoll
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jpalmerr/cardwatch"
)

func main() {
	pollCommand := pflag.String("poll", "fakepoll", "poll binary (see example/cmd/fakepoll)")
	port := pflag.Int("port", 5001, "HTTP port")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()

	cw, err := cardwatch.New(
		cardwatch.WithPort(*port),
		cardwatch.WithTitle("cardwatch demo"),
		cardwatch.WithProbeCommand(*pollCommand),
		cardwatch.WithPollCommand(*pollCommand, "--interval", "2s"),
		cardwatch.WithShutdownTimeout(2*time.Second),
		cardwatch.WithLogger(&logger),
		cardwatch.WithEventCallback(func(ev cardwatch.CardEvent) {
			if ev.Present() {
				fmt.Printf("%s  %-10s card %s\n", ev.ReadAt.Format("15:04:05"), ev.Reader, ev.Card)
			} else {
				fmt.Printf("%s  %-10s empty\n", ev.ReadAt.Format("15:04:05"), ev.Reader)
			}
		}),
	)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create cardwatch")
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   cardwatch demo                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Printf("  ║   Open http://localhost:%-5d in your browser         ║\n", *port)
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Readers: sim:001, sim:002 (simulated)               ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cw.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("cardwatch error")
		os.Exit(1)
	}
}
