// Package server provides the HTTP monitoring server for the Quforia driver.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/buffer"
	"github.com/ayusman/quforia/internal/engine"
	"github.com/ayusman/quforia/internal/plugin"
	"github.com/ayusman/quforia/internal/server/api"
	"github.com/ayusman/quforia/internal/store"
)

// Config holds the server configuration. Nil collaborators disable their routes.
type Config struct {
	StaticDir string
	Store     *store.Store
	Recorder  *store.Recorder
	Host      *plugin.Host
	Monitor   *engine.Monitor
	Logger    *zap.SugaredLogger
}

// Server represents the HTTP server for the Quforia driver.
type Server struct {
	config Config
	logger *zap.SugaredLogger
	mux    *http.ServeMux
	start  time.Time

	mu   sync.Mutex
	http *http.Server
	// pendingShutdown is set by a Shutdown that ran before the next serve call; that call
	// consumes it and returns at once. failed marks a serve call that returned on its own.
	pendingShutdown bool
	failed          bool
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		config: config,
		logger: logger.Named("server"),
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Host != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
	}

	if s.config.Store != nil {
		sessions := api.NewSessionHandler(s.config.Store)
		s.mux.Handle("/api/sessions", sessions)
		s.mux.Handle("/api/sessions/", sessions)
	}

	if s.config.Recorder != nil {
		s.mux.Handle("/api/recording", api.NewRecordingHandler(s.config.Recorder))
	}

	if s.config.Monitor != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Monitor))
		s.mux.Handle("/api/poses", NewPoseHandler(s.config.Monitor, s.logger))
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	s.writeJSON(w, response)
}

type bufferStatus struct {
	Frames        int          `json:"frames"`
	Poses         int          `json:"poses"`
	HasIntrinsics bool         `json:"has_intrinsics"`
	Stats         buffer.Stats `json:"stats"`
}

type statusResponse struct {
	Library     plugin.Library `json:"library"`
	Initialized bool           `json:"initialized"`
	Camera      string         `json:"camera,omitempty"`
	Tracker     string         `json:"tracker,omitempty"`
	Buffer      *bufferStatus  `json:"buffer,omitempty"`
	Engine      *engine.Stats  `json:"engine,omitempty"`
	Recording   *store.Session `json:"recording,omitempty"`
}

// handleStatus handles GET requests to /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{Library: s.config.Host.Library()}
	if d := s.config.Host.Driver(); d != nil {
		resp.Initialized = true
		if cam := d.Camera(); cam != nil {
			resp.Camera = cam.State().String()
		}
		if tr := d.Tracker(); tr != nil {
			resp.Tracker = tr.State().String()
		}
		buf := d.Buffer()
		_, hasIntrinsics := buf.Intrinsics()
		resp.Buffer = &bufferStatus{
			Frames:        buf.FrameCount(),
			Poses:         buf.PoseCount(),
			HasIntrinsics: hasIntrinsics,
			Stats:         buf.Stats(),
		}
	}
	if s.config.Monitor != nil {
		stats := s.config.Monitor.Stats()
		resp.Engine = &stats
	}
	if s.config.Recorder != nil {
		resp.Recording = s.config.Recorder.Active()
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("failed to encode response", "error", err)
	}
}

// ListenAndServe starts the HTTP server on the given address and blocks until Shutdown. The
// server can be started again after Shutdown returns.
func (s *Server) ListenAndServe(addr string) error {
	srv, ok := s.begin(addr)
	if !ok {
		return nil
	}
	s.logger.Infow("listening", "addr", addr)
	return s.finish(srv, srv.ListenAndServe())
}

// Serve accepts connections on ln and blocks until Shutdown. The listener is closed on return.
func (s *Server) Serve(ln net.Listener) error {
	srv, ok := s.begin("")
	if !ok {
		ln.Close()
		return nil
	}
	s.logger.Infow("listening", "addr", ln.Addr().String())
	return s.finish(srv, srv.Serve(ln))
}

func (s *Server) begin(addr string) (*http.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = false
	if s.pendingShutdown {
		s.pendingShutdown = false
		return nil, false
	}
	s.http = &http.Server{Addr: addr, Handler: s}
	return s.http, true
}

func (s *Server) finish(srv *http.Server, err error) error {
	s.mu.Lock()
	if s.http == srv {
		s.http = nil
		s.failed = true
	}
	s.mu.Unlock()

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the running server. Called before the server starts, it makes the
// next ListenAndServe or Serve return immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	if srv == nil && !s.failed {
		s.pendingShutdown = true
	}
	s.failed = false
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
