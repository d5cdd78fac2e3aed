// Package server runs the control-channel endpoint machines connect to.
// It upgrades HTTP requests to websockets, reads control messages and
// hands them to the router; TLS termination is the reverse proxy's job.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
	"github.com/coinstash/remotedesk/internal/recovery"
	"github.com/coinstash/remotedesk/internal/router"
)

const (
	// authTimeout is how long a fresh channel gets to send its auth
	// message.
	authTimeout = 15 * time.Second

	// readTimeout bounds the gap between control messages. Agents
	// heartbeat every 30 seconds; a channel silent for this long is
	// dead.
	readTimeout = 3 * time.Minute

	// maxMessageSize caps one control message. Screen frames are the
	// largest legitimate messages.
	maxMessageSize = 8 << 20
)

// Config configures the control-channel listener.
type Config struct {
	// ListenAddr is the address machines connect to, e.g. ":8443".
	ListenAddr string

	// ControlPath is the websocket upgrade path, e.g. "/ws".
	ControlPath string
}

// Server is the control-channel HTTP listener.
type Server struct {
	cfg     Config
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics

	httpServer *http.Server
	addr       net.Addr

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a control-channel server. Start must be called to listen.
func New(cfg Config, rt *router.Router, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.ControlPath == "" {
		cfg.ControlPath = "/ws"
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:     cfg,
		router:  rt,
		logger:  logger.With(logging.KeyComponent, "server"),
		metrics: m,
	}
}

// Start binds the listener and begins serving control channels.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.ControlPath, s.handleControl)

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()
	s.running.Store(true)
	s.logger.Info("control channel listening",
		logging.KeyAddress, s.addr.String(),
		"path", s.cfg.ControlPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control channel server failed", logging.KeyError, err)
		}
	}()

	return nil
}

// Stop shuts the listener down and waits for connection handlers.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("control channel stopped")
	return err
}

// Address returns the bound listener address.
func (s *Server) Address() string {
	if s.addr != nil {
		return s.addr.String()
	}
	return s.cfg.ListenAddr
}

// handleControl upgrades one machine connection and runs its read loop.
// The handler must not return while the websocket is in use, so the
// loop runs in the request goroutine.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents are not browsers; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s.wg.Add(1)
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "controlChannel")

	ch := newWSChannel(conn)
	sess := router.NewSession(ch, r.RemoteAddr)
	defer ch.Close()
	defer s.router.Disconnect(sess)

	s.logger.Debug("control channel opened", logging.KeyRemoteAddr, r.RemoteAddr)
	s.readLoop(conn, ch, sess, r.RemoteAddr)
}

func (s *Server) readLoop(conn *websocket.Conn, ch *wsChannel, sess *router.Session, remote string) {
	for {
		timeout := readTimeout
		if sess.AgentID() == "" {
			timeout = authTimeout
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Debug("control channel closed",
					logging.KeyAgentID, sess.AgentID(),
					logging.KeyRemoteAddr, remote)
			} else {
				s.logger.Info("control channel read failed",
					logging.KeyAgentID, sess.AgentID(),
					logging.KeyRemoteAddr, remote,
					logging.KeyError, err)
			}
			return
		}

		if err := s.router.HandleMessage(sess, data); err != nil {
			s.logger.Warn("closing control channel",
				logging.KeyAgentID, sess.AgentID(),
				logging.KeyRemoteAddr, remote,
				logging.KeyError, err)
			conn.Close(websocket.StatusPolicyViolation, "protocol error")
			return
		}
	}
}
