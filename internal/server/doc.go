// Package server provides the HTTP transport for cardwatch subscribers.
//
// This package is internal to cardwatch and handles all HTTP concerns:
//
//   - Page serving: the embedded subscriber page at "/" and its script at "/nfc.js"
//   - WebSocket: one subscriber per connection at "/ws"
//   - Server-Sent Events: one subscriber per stream at "/api/sse"
//   - Status: reader states at "/api/readers" and liveness at "/health"
//
// Every connection registers a bounded [broadcast.Queue] with the shared
// broadcaster and drains it from its own goroutine. A connection that falls
// behind overflows its queue and is disconnected; the others are unaffected.
// Inbound WebSocket payloads are read and discarded.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
