// Standalone stand-in for nfc-poll, for running cardwatch without hardware.
//
// Usage:
//
//	go build -o /tmp/fakepoll ./example/cmd/fakepoll
//	/tmp/fakepoll -l          # lists sim:001 and sim:002
//	/tmp/fakepoll sim:001     # streams card ids and empty lines
//
// Then in another terminal:
//
//	go run ./cmd/cardwatch serve --poll-command /tmp/fakepoll
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var devices = []string{"sim:001", "sim:002"}

func main() {
	list := pflag.BoolP("list", "l", false, "list simulated devices and exit")
	interval := pflag.Duration("interval", 3*time.Second, "average time between card changes")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	if *list {
		for _, d := range devices {
			fmt.Println(d)
		}
		return
	}

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fakepoll -l | fakepoll [--interval d] <device>")
		os.Exit(2)
	}
	device := pflag.Arg(0)
	if *interval <= 0 {
		fmt.Fprintln(os.Stderr, "interval must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("device", device).Dur("interval", *interval).Msg("polling")
	poll(ctx, *interval)
	logger.Info().Str("device", device).Msg("poll aborted")
}

// poll prints an empty line, then alternates a random card id and an empty
// line until ctx is cancelled.
func poll(ctx context.Context, interval time.Duration) {
	fmt.Println()
	present := false
	for {
		// jitter between half and one and a half intervals
		wait := interval/2 + rand.N(interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		present = !present
		if present {
			fmt.Println(randomCard())
		} else {
			fmt.Println()
		}
	}
}

// randomCard returns a 4-byte NFCID1 in upper-case hex.
func randomCard() string {
	return fmt.Sprintf("%08X", rand.Uint32())
}
