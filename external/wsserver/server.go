package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxseedlab/kikitori/internal/ingest"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/gorilla/websocket"
)

const (
	ingestPath = "/asr-multicam"
	healthPath = "/healthz"

	readHeaderTimeout = 10 * time.Second
)

type Options struct {
	Addr            string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// Server accepts ingest websocket connections and hands each one to the ingest handler.
type Server struct {
	handler  *ingest.Handler
	registry *session.Registry
	opts     Options
	upgrader websocket.Upgrader

	httpServer *http.Server
	baseCtx    context.Context
	cancel     context.CancelFunc
}

func NewServer(opts Options, handler *ingest.Handler, registry *session.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler:  handler,
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ingestPath, s.handleIngest)
	mux.HandleFunc("GET "+healthPath, s.handleHealth)
	return mux
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.opts.Addr, "ingest_path", ingestPath)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every open websocket so their streams tear down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	if s.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.opts.MaxMessageBytes)
	}
	slog.Info("websocket accepted", "remote_addr", r.RemoteAddr)
	s.handler.Serve(s.baseCtx, newWSConn(ws, s.opts.WriteTimeout))
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int64  `json:"connections"`
	session.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:      "ok",
		Connections: s.handler.ActiveConnections(),
		Stats:       s.registry.Stats(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to write health response", "error", err)
	}
}
