// Package transport exposes the engine over websockets and a small HTTP
// API.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/collab"
	"collabtext/internal/metrics"
	"collabtext/internal/registry"
)

// Engine is what the transport needs from the sync core.
type Engine interface {
	HandleMessage(ctx context.Context, conn registry.Conn, data []byte) error
	Disconnect(conn registry.Conn)
	Inspect(documentID string) (collab.State, bool)
	Documents() []string
}

// Options configures a Server. Zero values get the defaults below.
type Options struct {
	ReadLimit    int64
	SendBuffer   int
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit is the sustained number of inbound messages per second per
	// connection. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server accepts websocket connections and keeps track of them until they
// close.
type Server struct {
	engine   Engine
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(engine Engine, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine: engine,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
}

// Router serves /ws, /healthz, /metrics and the read-only document API.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.ServeWS)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/documents", s.listDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", s.getDocument).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// ServeWS upgrades the request and starts the client's pumps.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	client := newClient(conn, s.opts, s.logger)
	if !s.register(client) {
		client.Close()
		conn.Close()
		return
	}
	s.logger.Info("connection opened", "connection_id", client.ID(), "remote_addr", r.RemoteAddr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump(s.opts)
	}()
	go func() {
		defer s.wg.Done()
		client.readPump(s.ctx, s.engine, s.opts, func() { s.unregister(client) })
	}()
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[c] = struct{}{}
	s.metrics.ConnectionOpened()
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.metrics.ConnectionClosed()
		s.logger.Info("connection closed", "connection_id", c.ID())
	}
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown closes every connection and waits for their pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
		"documents":   len(s.engine.Documents()),
	})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.engine.Documents()})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.engine.Inspect(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Document not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
