// Package router dispatches control-channel messages between the agent
// registry, the tunnel manager and the operator event stream.
package router

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
	"github.com/coinstash/remotedesk/internal/protocol"
	"github.com/coinstash/remotedesk/internal/registry"
	"github.com/coinstash/remotedesk/internal/tunnel"
)

// Session is the routing state of one control channel. A session starts
// anonymous and is bound to a machine identifier by a successful auth
// message; the bound identifier never changes afterwards.
type Session struct {
	ch     registry.Channel
	remote string

	mu      sync.Mutex
	agentID string
}

// NewSession wraps a freshly accepted control channel.
func NewSession(ch registry.Channel, remoteAddr string) *Session {
	return &Session{ch: ch, remote: remoteAddr}
}

// AgentID returns the bound machine identifier, or "" before auth.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *Session) bind(id string) {
	s.mu.Lock()
	s.agentID = id
	s.mu.Unlock()
}

// Router owns message dispatch for all control channels. It is also the
// tunnel manager's command path back to machines.
type Router struct {
	registry *registry.Registry
	tunnels  *tunnel.Manager
	hub      *Hub
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New wires the router between the registry, the tunnel manager and the
// event hub. The tunnel manager's command and event hooks are bound
// here.
func New(reg *registry.Registry, tun *tunnel.Manager, hub *Hub, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	r := &Router{
		registry: reg,
		tunnels:  tun,
		hub:      hub,
		logger:   logger.With(logging.KeyComponent, "router"),
		metrics:  m,
	}
	if tun != nil {
		tun.SetCommander(r)
		tun.SetEventHook(r.publishTunnelStatus)
	}
	return r
}

// Hub exposes the event stream for operator subscriptions.
func (r *Router) Hub() *Hub {
	return r.hub
}

// HandleMessage processes one raw control-channel message. A returned
// error means the channel is unusable and must be closed by the caller;
// recoverable problems are logged and swallowed.
func (r *Router) HandleMessage(sess *Session, data []byte) error {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	r.metrics.RecordMessage(env.Type)

	if sess.AgentID() == "" {
		if env.Type != protocol.TypeAuth {
			return fmt.Errorf("%w: %s before auth", protocol.ErrProtocol, env.Type)
		}
		return r.handleAuth(sess, env)
	}

	switch env.Type {
	case protocol.TypeAuth:
		return fmt.Errorf("%w: repeated auth on bound channel", protocol.ErrProtocol)

	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return err
		}
		r.registry.Heartbeat(sess.AgentID(), hb.SystemInfo)
		return nil

	case protocol.TypeTunnelRequest:
		if _, err := r.tunnels.Request(sess.AgentID()); err != nil {
			r.logger.Warn("machine-initiated tunnel request failed",
				logging.KeyAgentID, sess.AgentID(),
				logging.KeyError, err)
		}
		return nil

	case protocol.TypeTunnelData:
		return fmt.Errorf("%w: in-band tunnel data is not supported", protocol.ErrProtocol)

	case protocol.TypeCommandResult, protocol.TypeShellOutput, protocol.TypeShellExit,
		protocol.TypeUpdatesList, protocol.TypeVNCFrame:
		r.forward(sess, env)
		return nil

	default:
		// Unknown types from newer agents are dropped, not fatal.
		r.logger.Warn("unknown message type",
			logging.KeyAgentID, sess.AgentID(),
			logging.KeyMsgType, env.Type)
		return nil
	}
}

func (r *Router) handleAuth(sess *Session, env *protocol.Envelope) error {
	var msg protocol.Auth
	if err := env.Decode(&msg); err != nil {
		return err
	}

	id, err := r.registry.Authenticate(registry.AuthRequest{
		Token:      msg.Token,
		DeclaredID: msg.AgentID,
		Hostname:   msg.Hostname,
		OS:         msg.OS,
		Version:    msg.Version,
		Customer:   msg.Customer,
		Site:       msg.Site,
		SystemInfo: msg.SystemInfo,
	}, sess.ch)
	if err != nil {
		// Tell the machine why before the channel drops.
		sess.ch.Send(protocol.AuthFailed{
			Type:   protocol.TypeAuthFailed,
			Reason: "invalid token",
		})
		return err
	}

	sess.bind(id)
	if err := sess.ch.Send(protocol.AuthSuccess{
		Type:    protocol.TypeAuthSuccess,
		AgentID: id,
	}); err != nil {
		return fmt.Errorf("sending auth ack: %w", err)
	}

	r.hub.Publish(Event{Type: EventAgentOnline, AgentID: id})
	return nil
}

// forward publishes a machine-originated message to the event stream.
// A message claiming another machine's identifier is dropped; the bound
// identifier is authoritative.
func (r *Router) forward(sess *Session, env *protocol.Envelope) {
	var claim struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(env.Raw(), &claim); err == nil &&
		claim.AgentID != "" && claim.AgentID != sess.AgentID() {
		r.logger.Warn("dropping message with forged machine identifier",
			logging.KeyAgentID, sess.AgentID(),
			"claimed_id", claim.AgentID,
			logging.KeyMsgType, env.Type)
		return
	}

	r.hub.Publish(Event{
		Type:    env.Type,
		AgentID: sess.AgentID(),
		Data:    env.Raw(),
	})
}

// Disconnect finalizes a closed control channel: the machine goes
// offline, its tunnel is torn down and subscribers are told. A session
// superseded by a newer channel for the same machine is a no-op.
func (r *Router) Disconnect(sess *Session) {
	id := sess.AgentID()
	if id == "" {
		return
	}
	if !r.registry.MarkOffline(id, sess.ch) {
		return
	}
	r.tunnels.OnAgentOffline(id)
	r.hub.Publish(Event{Type: EventAgentOffline, AgentID: id})
}

func (r *Router) publishTunnelStatus(info tunnel.Info) {
	data, err := json.Marshal(info)
	if err != nil {
		r.logger.Error("encoding tunnel status event", logging.KeyError, err)
		return
	}
	r.hub.Publish(Event{
		Type:    EventTunnelStatus,
		AgentID: info.AgentID,
		Data:    data,
	})
}

// CreateTunnel implements tunnel.Commander.
func (r *Router) CreateTunnel(agentID, host string, port int, token string) error {
	return r.registry.Send(agentID, protocol.TunnelCreateRequest{
		Type:  protocol.TypeTunnelCreateRequest,
		Host:  host,
		Port:  port,
		Token: token,
	})
}

// CloseTunnel implements tunnel.Commander.
func (r *Router) CloseTunnel(agentID string) error {
	return r.registry.Send(agentID, protocol.TunnelClose{
		Type: protocol.TypeTunnelClose,
	})
}

// ExecShell asks a machine to run a command and returns the session
// identifier its output will be tagged with.
func (r *Router) ExecShell(agentID, command string) (string, error) {
	sessionID := newSessionID()
	err := r.registry.Send(agentID, protocol.ShellExec{
		Type:      protocol.TypeShellExec,
		Command:   command,
		SessionID: sessionID,
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// CheckUpdates asks a machine to enumerate available OS updates.
func (r *Router) CheckUpdates(agentID string) error {
	return r.registry.Send(agentID, protocol.CheckUpdates{
		Type: protocol.TypeCheckUpdates,
	})
}

// InstallUpdates asks a machine to install the named updates.
func (r *Router) InstallUpdates(agentID string, updateIDs []string) error {
	return r.registry.Send(agentID, protocol.InstallUpdates{
		Type:      protocol.TypeInstallUpdates,
		UpdateIDs: updateIDs,
	})
}

// StartVNC asks a machine to begin screen streaming.
func (r *Router) StartVNC(agentID, quality string, fps int) error {
	return r.registry.Send(agentID, protocol.VNCStart{
		Type:    protocol.TypeVNCStart,
		Quality: quality,
		FPS:     fps,
	})
}

// StopVNC asks a machine to stop screen streaming.
func (r *Router) StopVNC(agentID string) error {
	return r.registry.Send(agentID, protocol.VNCStop{
		Type: protocol.TypeVNCStop,
	})
}

// SendVNCInput forwards an operator input event to a machine.
func (r *Router) SendVNCInput(agentID string, input json.RawMessage) error {
	return r.registry.Send(agentID, protocol.VNCInput{
		Type:  protocol.TypeVNCInput,
		Input: input,
	})
}

func newSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic("router: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
