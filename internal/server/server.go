package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jpalmerr/cardwatch/internal/broadcast"
	"github.com/jpalmerr/cardwatch/internal/reader"
)

const (
	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "Card readers"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"

	indexAsset  = "assets/index.html"
	scriptAsset = "assets/nfc.js"
)

// Config holds the transport settings.
type Config struct {
	// Host is the interface to bind. Empty means all interfaces.
	Host string

	// Port is the TCP port. 0 lets the OS choose.
	Port int

	// Title replaces {{.Title}} in the index page.
	Title string

	// ServeScript enables GET /nfc.js.
	ServeScript bool

	// QueueSize is the per-subscriber message buffer.
	QueueSize int
}

// ReaderLister reports the state of the supervised readers.
type ReaderLister interface {
	Readers() []reader.ReaderStatus
}

// Server handles HTTP requests for subscribers and status.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	cfg         Config
	broadcaster *broadcast.Broadcaster
	readers     ReaderLister
	assets      fs.FS
	logger      *zerolog.Logger
	upgrader    websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
	done       chan struct{}
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - cfg: bind address, page title and subscriber queue size
//   - b: broadcaster every connection registers with
//   - readers: source for /api/readers (may be nil)
//   - assets: filesystem containing assets/index.html and assets/nfc.js (may be nil)
//   - logger: logger for server events (may be nil)
//
// The server is not started until [Server.Start] is called.
func NewServer(cfg Config, b *broadcast.Broadcaster, readers ReaderLister, assets fs.FS, logger *zerolog.Logger) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = broadcast.DefaultQueueSize
	}
	return &Server{
		cfg:         cfg,
		broadcaster: b,
		readers:     readers,
		assets:      assets,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true // pages on other origins may subscribe
			},
		},
		done: make(chan struct{}),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/sse", s.handleSSE)
	mux.HandleFunc("/api/readers", s.handleReaders)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.ServeScript {
		mux.HandleFunc("/nfc.js", s.handleScript)
	}
	mux.HandleFunc("/", s.handleIndex)

	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout; [Server.Done] is closed once that has finished.
//
// Returns an error if the server fails to bind to the configured address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("server already started")
	}

	// create listener first to verify port availability synchronously
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx, so long-lived SSE and WebSocket
		// handlers end when ctx is cancelled
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	httpServer := s.httpServer

	s.logger.Info().Str("addr", s.addr.String()).Msg("http server listening")

	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http server shutdown error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Done is closed when a started server has finished shutting down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// handleIndex serves the subscriber page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.assets == nil {
		http.Error(w, "Page not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.assets, indexAsset)
	if err != nil {
		http.Error(w, "Page not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.cfg.Title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error().Err(err).Msg("failed to write index response")
	}
}

// handleScript serves the browser subscriber library.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.assets == nil {
		http.NotFound(w, r)
		return
	}

	content, err := fs.ReadFile(s.assets, scriptAsset)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if _, err = w.Write(content); err != nil {
		s.logger.Error().Err(err).Msg("failed to write script response")
	}
}

// handleReaders returns the supervised readers as JSON.
func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	readers := []reader.ReaderStatus{}
	if s.readers != nil {
		readers = s.readers.Readers()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(readers); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode readers response")
	}
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

// handleHealth reports liveness and the current subscriber count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	resp := healthResponse{Status: "ok", Subscribers: s.broadcaster.Count()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode health response")
	}
}
