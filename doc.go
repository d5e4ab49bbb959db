// Package cardwatch supervises external card-reader polling processes and
// streams their card events to live subscribers in real time.
//
// cardwatch is designed as an SDK-first library: the cmd/cardwatch binary is
// a thin layer over the same functional options available to any Go
// program. Each attached reader is handled by its own external polling
// process (by default libnfc's nfc-poll), one line of output per
// observation. cardwatch turns those lines into [CardEvent] values and fans
// them out over WebSocket and Server-Sent Events.
//
// # Quick Start
//
//	cw, _ := cardwatch.New(
//	    cardwatch.WithPollCommand("/usr/local/bin/nfc-poll"),
//	    cardwatch.WithDeviceFilter("acr122_usb:"),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	cw.Start(ctx) // blocks until context is cancelled
//
// # Wire format
//
// Subscribers receive one JSON object per event:
//
//	{"reader": "acr122_usb:001", "card": "04A1B2C3"}
//
// An empty card means the reader reported no card, which is how removal is
// signalled. Nothing is replayed: a subscriber only sees events that occur
// while it is connected.
//
// # Endpoints
//
//   - GET /: subscriber page
//   - GET /nfc.js: browser client library (see [WithScript])
//   - GET /ws: WebSocket event stream
//   - GET /api/sse: Server-Sent Events stream
//   - GET /api/readers: supervised readers and their states
//   - GET /health: liveness and subscriber count
//
// # Architecture
//
// cardwatch consists of several internal packages (under internal/):
//
//   - internal/discovery: lists devices by running the probe command once
//   - internal/reader: one supervisor and polling process per device
//   - internal/broadcast: mutex-guarded subscriber set with bounded queues
//   - internal/server: HTTP server with WebSocket and Server-Sent Events
//   - web: embedded page and script assets
//
// The client package is a Go subscriber with reconnect and exclusive-group
// tracking, used by "cardwatch watch".
package cardwatch
