// Package client connects to a cardwatch server over WebSocket and turns its
// reader messages into [Event] values.
//
// The client reconnects after every disconnect, waiting
// base * 1.2^min(tries, 10) between attempts, and tracks the last card on
// each reader plus the state of any exclusive groups.
//
// Basic usage:
//
//	c, err := client.New("ws://localhost:5001/ws",
//	    client.WithHandler(func(ev client.Event) {
//	        fmt.Println(ev.Reader, ev.Card)
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = c.Run(ctx)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jpalmerr/cardwatch/internal/broadcast"
)

const (
	// DefaultBackoffBase is the reconnect delay before the growth factor.
	DefaultBackoffBase = 10 * time.Second

	backoffFactor   = 1.2
	maxBackoffTries = 10

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// Handler receives every event in arrival order on the [Client.Run]
// goroutine.
type Handler func(Event)

// Option configures a [Client].
type Option func(*Client) error

// WithHandler sets the function called for every event.
func WithHandler(h Handler) Option {
	return func(c *Client) error {
		c.handler = h
		return nil
	}
}

// WithExclusive configures exclusive groups: each group name maps to the
// card ids that belong to it.
func WithExclusive(groups map[string][]string) Option {
	return func(c *Client) error {
		c.groups = groups
		return nil
	}
}

// WithBackoffBase sets the reconnect delay before the growth factor.
//
// Defaults to 10 seconds.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("backoff base must be positive")
		}
		c.backoffBase = d
		return nil
	}
}

// WithLogger sets the logger for connection lifecycle messages.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) error {
		if d == nil {
			return errors.New("dialer cannot be nil")
		}
		c.dialer = d
		return nil
	}
}

// Client is a reconnecting subscriber of a cardwatch server.
type Client struct {
	url         string
	handler     Handler
	groups      map[string][]string
	backoffBase time.Duration
	logger      *zerolog.Logger
	dialer      *websocket.Dialer

	tracker *Tracker
	tries   int
}

// New creates a client for the WebSocket endpoint at rawURL.
//
// Returns an error if the URL is not ws:// or wss://, if an option is
// invalid, or if a card id is listed in more than one exclusive group.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("url scheme must be ws or wss")
	}

	nop := zerolog.Nop()
	c := &Client{
		url:         rawURL,
		backoffBase: DefaultBackoffBase,
		logger:      &nop,
		dialer:      websocket.DefaultDialer,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	c.tracker, err = NewTracker(c.groups)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Readers returns a copy of the last card seen on every reader.
func (c *Client) Readers() map[string]string {
	return c.tracker.Readers()
}

// Backoff returns the delay before reconnect attempt number tries.
func Backoff(base time.Duration, tries int) time.Duration {
	if tries < 0 {
		tries = 0
	}
	exp := math.Min(float64(tries), maxBackoffTries)
	return time.Duration(float64(base) * math.Pow(backoffFactor, exp))
}

// Run connects and delivers events until ctx is cancelled, reconnecting
// with backoff whenever the connection fails or closes. It always returns
// ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.tries++
		wait := Backoff(c.backoffBase, c.tries)
		c.logger.Warn().
			Err(err).
			Int("tries", c.tries).
			Dur("retry_in", wait).
			Msg("websocket disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection until it ends.
func (c *Client) session(ctx context.Context) error {
	c.logger.Debug().Str("url", c.url).Msg("connecting")
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.tries = 0
	c.logger.Info().Str("url", c.url).Msg("websocket connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg broadcast.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("ignoring malformed message")
			continue
		}

		ev := c.tracker.Apply(msg.Reader, msg.Card)
		c.logger.Debug().Str("reader", ev.Reader).Str("card", ev.Card).Msg("card event")
		if c.handler != nil {
			c.handler(ev)
		}
	}
}
