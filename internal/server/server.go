// Package server exposes the relay over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/retailshift/relay/pkg/domain"
	"github.com/retailshift/relay/pkg/topology"
	"go.uber.org/zap"
)

// StateReader is the read side of the relay
type StateReader interface {
	SystemState() domain.SystemState
	RecentEvents() []domain.Envelope
}

// RequestRecorder counts served requests
type RequestRecorder interface {
	RecordRequest(route string, code int, elapsed time.Duration)
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status string `json:"status"`
}

// Options configures a Server
type Options struct {
	Port           int
	State          StateReader
	Topology       topology.Topology
	Observers      http.Handler // mounted at /ws when set
	Metrics        http.Handler // mounted at /metrics when set
	Recorder       RequestRecorder
	AllowedOrigins []string // empty allows any origin
	Logger         *zap.Logger
}

// Server is the relay HTTP API
type Server struct {
	opts   Options
	router *mux.Router
	server *http.Server
	logger *zap.Logger
}

// New creates a server and registers its routes
func New(opts Options) (*Server, error) {
	if opts.State == nil {
		return nil, errors.New("state reader is required")
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := mux.NewRouter()
	s := &Server{
		opts:   opts,
		router: router,
		logger: opts.Logger,
	}

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/api/system/topology", s.handleTopology).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/api/system/state", s.handleState).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/api/events/recent", s.handleRecentEvents).Methods("GET", "OPTIONS")

	if s.opts.Observers != nil {
		s.router.Handle("/ws", s.opts.Observers).Methods("GET")
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, HealthResponse{Status: "OK"})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.opts.Topology)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.opts.State.SystemState())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events := s.opts.State.RecentEvents()
	if events == nil {
		events = []domain.Envelope{}
	}
	s.writeJSON(w, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.opts.Recorder != nil {
			s.opts.Recorder.RecordRequest(route, sw.status, elapsed)
		}
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.RequestURI),
			zap.Int("status", sw.status),
			zap.Duration("duration", elapsed),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.opts.AllowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == origin {
			return origin
		}
	}
	return s.opts.AllowedOrigins[0]
}

// statusWriter records the response code. It forwards Hijack so WebSocket
// upgrades work behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
