// Package health provides the HTTP status surface of the gatelink agent.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/gatelink/internal/discovery"
	"github.com/postalsys/gatelink/internal/endpoint"
	"github.com/postalsys/gatelink/internal/logging"
	"github.com/postalsys/gatelink/internal/recovery"
	"github.com/postalsys/gatelink/internal/sysinfo"
)

// StateProvider exposes the agent's discovery state.
type StateProvider interface {
	// IsRunning returns true if discovery is running.
	IsRunning() bool

	// State returns the latest merged discovery state.
	State() discovery.State
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// EndpointsResponse is the body of GET /endpoints.
type EndpointsResponse struct {
	Status     string              `json:"status"`
	Count      int                 `json:"count"`
	LocalCount int                 `json:"local_count"`
	Wide       *WideStatus         `json:"wide,omitempty"`
	Endpoints  []endpoint.Endpoint `json:"endpoints"`
}

// WideStatus summarizes the last wide-area cycle.
type WideStatus struct {
	Count    int       `json:"count"`
	RCode    string    `json:"rcode,omitempty"`
	Error    string    `json:"error,omitempty"`
	LastScan time.Time `json:"last_scan"`
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StateProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server. Metrics are served from
// gatherer; a nil gatherer uses the default registry.
func NewServer(cfg ServerConfig, provider StateProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	def := DefaultServerConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logging.Component(logger, "health"),
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	mux.HandleFunc("/info", s.handleInfo)

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithCallback(s.logger, "health.Serve", func(any) {
			s.running.Store(false)
		})
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("health server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("health server listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with a discovery summary if running, 503 if not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	state := s.provider.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"running":          true,
		"discovery_status": state.Status,
		"endpoint_count":   len(state.Endpoints),
	})
}

// handleInfo returns host and build information.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, sysinfo.Collect())
}

// handleReady returns 200 once discovery is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handleEndpoints returns the merged endpoint list and status line.
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "discovery not configured", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, NewEndpointsResponse(s.provider.State()))
}

// NewEndpointsResponse converts a discovery state into its JSON form.
func NewEndpointsResponse(state discovery.State) EndpointsResponse {
	resp := EndpointsResponse{
		Status:     state.Status,
		Count:      len(state.Endpoints),
		LocalCount: state.LocalCount,
		Endpoints:  state.Endpoints,
	}
	if resp.Endpoints == nil {
		resp.Endpoints = []endpoint.Endpoint{}
	}
	if state.Wide.Landed() {
		ws := &WideStatus{
			Count:    len(state.Wide.Endpoints),
			RCode:    state.Wide.RCode,
			LastScan: state.Wide.At,
		}
		if state.Wide.Err != nil {
			ws.Error = state.Wide.Err.Error()
		}
		resp.Wide = ws
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
