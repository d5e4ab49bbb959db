package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jpalmerr/cardwatch/internal/broadcast"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// wsClient is one WebSocket subscriber connection.
type wsClient struct {
	conn   *websocket.Conn
	queue  *broadcast.Queue
	logger zerolog.Logger
}

func newWSClient(conn *websocket.Conn, queueSize int, logger *zerolog.Logger) *wsClient {
	id := uuid.NewString()
	return &wsClient{
		conn:   conn,
		queue:  broadcast.NewQueue(id, queueSize),
		logger: logger.With().Str("subscriber_id", id).Str("transport", "websocket").Logger(),
	}
}

// handleWebSocket upgrades the connection and subscribes it until either side
// closes it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newWSClient(conn, s.cfg.QueueSize, s.logger)
	s.broadcaster.Register(c.queue)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(r.Context())
	}()

	c.readPump()

	s.broadcaster.Unregister(c.queue)
	c.queue.Close()
	<-writerDone
}

// readPump discards inbound messages and keeps the read deadline fresh. It
// returns when the connection fails or is closed.
func (c *wsClient) readPump() {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump is the only writer on the connection: it sends queued messages
// as JSON text frames and pings on an interval.
func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.queue.Messages():
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to marshal websocket message")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.queue.Done():
			if c.queue.Overflowed() {
				c.logger.Warn().Msg("subscriber too slow, disconnecting")
				c.writeClose(websocket.CloseTryAgainLater, "subscriber queue full")
			}
			return

		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (c *wsClient) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
