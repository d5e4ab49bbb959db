package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/cardwatch/internal/broadcast"
)

// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
// This prevents goroutine leaks when clients are slow or disconnected.
// Must be <= shutdown timeout to ensure clean shutdown.
const sseWriteTimeout = 5 * time.Second

// handleSSE streams card events via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or queue closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	id := uuid.NewString()
	logger := s.logger.With().Str("subscriber_id", id).Str("transport", "sse").Logger()

	// writeAndFlush writes one chunk with a deadline so a stalled client
	// cannot block the handler forever.
	writeAndFlush := func(chunk string) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				logger.Debug().Err(err).Msg("sse write deadlines not supported")
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprint(w, chunk); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	queue := broadcast.NewQueue(id, s.cfg.QueueSize)
	s.broadcaster.Register(queue)
	defer func() {
		s.broadcaster.Unregister(queue)
		queue.Close()
	}()

	// comment line so the client sees the stream open before the first event
	if err := writeAndFlush(": connected\n\n"); err != nil {
		return
	}

	for {
		select {
		case msg := <-queue.Messages():
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := writeAndFlush(fmt.Sprintf("data: %s\n\n", data)); err != nil {
				logger.Debug().Err(err).Msg("sse write failed")
				return
			}

		case <-queue.Done():
			if queue.Overflowed() {
				logger.Warn().Msg("subscriber too slow, disconnecting")
			}
			return

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}
