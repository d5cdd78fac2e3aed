// Package api serves the management HTTP interface operators and
// tooling use: machine inventory, remote commands, tunnel control and
// the live event stream. It binds to a trusted interface; it carries no
// authentication of its own.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
	"github.com/coinstash/remotedesk/internal/registry"
	"github.com/coinstash/remotedesk/internal/router"
	"github.com/coinstash/remotedesk/internal/tunnel"
)

// Config configures the management API server.
type Config struct {
	// ListenAddr should stay on a trusted interface, e.g. "127.0.0.1:8080".
	ListenAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the management API HTTP server.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	rt      *router.Router
	tun     *tunnel.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// New builds the API server and its routes. Start must be called to
// begin serving.
func New(cfg Config, reg *registry.Registry, rt *router.Router, tun *tunnel.Manager, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		rt:      rt,
		tun:     tun,
		logger:  logger.With(logging.KeyComponent, "api"),
		metrics: m,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/machines", s.handleListMachines)
	mux.HandleFunc("GET /api/machines/{id}", s.handleGetMachine)
	mux.HandleFunc("PUT /api/machines/{id}/labels", s.handleUpdateLabels)
	mux.HandleFunc("POST /api/machines/{id}/shell", s.handleShell)
	mux.HandleFunc("POST /api/machines/{id}/updates/check", s.handleCheckUpdates)
	mux.HandleFunc("POST /api/machines/{id}/updates/install", s.handleInstallUpdates)
	mux.HandleFunc("POST /api/machines/{id}/vnc/start", s.handleVNCStart)
	mux.HandleFunc("POST /api/machines/{id}/vnc/stop", s.handleVNCStop)
	mux.HandleFunc("POST /api/machines/{id}/vnc/input", s.handleVNCInput)
	mux.HandleFunc("POST /api/machines/{id}/tunnel", s.handleCreateTunnel)
	mux.HandleFunc("GET /api/machines/{id}/tunnel", s.handleTunnelStatus)
	mux.HandleFunc("DELETE /api/machines/{id}/tunnel", s.handleCloseTunnel)
	mux.HandleFunc("GET /api/tunnels", s.handleListTunnels)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.running.Store(true)
	s.logger.Info("management api listening", logging.KeyAddress, ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("management api server failed", logging.KeyError, err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound listener address.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
