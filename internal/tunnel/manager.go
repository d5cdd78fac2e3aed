// Package tunnel reserves relay ports for machines and splices operator
// connections onto the machine's persistent relay connection.
package tunnel

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
	"github.com/coinstash/remotedesk/internal/portpool"
	"github.com/coinstash/remotedesk/internal/recovery"
	"github.com/coinstash/remotedesk/internal/registry"
)

// Directory answers whether a machine currently holds a live control
// channel. Implemented by the agent registry.
type Directory interface {
	IsOnline(id string) bool
}

// Commander delivers tunnel commands to a machine over its control
// channel. Implemented by the message router.
type Commander interface {
	CreateTunnel(agentID, host string, port int, token string) error
	CloseTunnel(agentID string) error
}

// Config carries the relay settings the manager needs. Values come from
// the tunnel section of the server config.
type Config struct {
	RelayAddr        string
	AdvertiseHost    string
	PortBase         int
	PortCount        int
	HandshakeTimeout time.Duration
	PendingTimeout   time.Duration
	BytesPerSecond   int64
}

// Manager owns the machine-side relay listener, the operator port pool
// and every live tunnel. At most one tunnel exists per machine; a new
// request for the same machine replaces the old tunnel.
type Manager struct {
	cfg       Config
	relayPort int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pool      *portpool.Pool
	dir       Directory

	// reqMu serializes the whole replace-and-create path in Request so
	// two concurrent requests for one machine cannot both reserve ports.
	reqMu sync.Mutex

	mu      sync.Mutex
	byAgent map[string]*Tunnel
	cmd     Commander
	onEvent func(Info)

	listener net.Listener
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewManager validates the relay configuration and builds the port pool.
// Start must be called before machines can connect.
func NewManager(cfg Config, dir Directory, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	pool, err := portpool.New(cfg.PortBase, cfg.PortCount)
	if err != nil {
		return nil, fmt.Errorf("building port pool: %w", err)
	}

	_, portStr, err := net.SplitHostPort(cfg.RelayAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing relay address %q: %w", cfg.RelayAddr, err)
	}
	relayPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing relay port %q: %w", portStr, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}

	return &Manager{
		cfg:       cfg,
		relayPort: relayPort,
		logger:    logger.With(logging.KeyComponent, "tunnel"),
		metrics:   m,
		pool:      pool,
		dir:       dir,
		byAgent:   make(map[string]*Tunnel),
		stopped:   make(chan struct{}),
	}, nil
}

// SetCommander wires the control-channel sender. Must be called before
// Request; kept separate from NewManager because the router is built
// after the manager.
func (m *Manager) SetCommander(cmd Commander) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmd = cmd
}

// SetEventHook registers a callback invoked with a tunnel snapshot on
// every state change. Called outside manager locks.
func (m *Manager) SetEventHook(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// Start opens the machine-side relay listener and begins accepting.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", m.cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("listening on relay address %s: %w", m.cfg.RelayAddr, err)
	}
	m.listener = ln
	// The bound port is what machines must dial; with a ":0" relay
	// address it differs from the configured one.
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		m.relayPort = addr.Port
	}
	m.logger.Info("relay listener started", logging.KeyAddress, ln.Addr().String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "relayAccept")
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-m.stopped:
					return
				default:
				}
				m.logger.Error("relay accept failed", logging.KeyError, err)
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.handleMachineConn(conn)
			}()
		}
	}()
	return nil
}

// RelayAddr returns the machine-side relay listener address. After
// Start it reflects the bound address, useful with a ":0" listen config.
func (m *Manager) RelayAddr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.cfg.RelayAddr
}

// Stop closes the relay listener and tears down every tunnel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		if m.listener != nil {
			m.listener.Close()
		}

		m.mu.Lock()
		tunnels := make([]*Tunnel, 0, len(m.byAgent))
		for _, t := range m.byAgent {
			tunnels = append(tunnels, t)
		}
		m.mu.Unlock()

		for _, t := range tunnels {
			m.closeTunnel(t, "server shutting down")
		}
		m.wg.Wait()
		m.logger.Info("tunnel manager stopped")
	})
}

// Request reserves a port and asks the machine to dial the relay. An
// existing tunnel for the machine is replaced, not reused.
func (m *Manager) Request(agentID string) (Info, error) {
	if m.dir != nil && !m.dir.IsOnline(agentID) {
		return Info{}, fmt.Errorf("machine %s: %w", agentID, registry.ErrOffline)
	}

	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	m.mu.Lock()
	old := m.byAgent[agentID]
	m.mu.Unlock()
	if old != nil {
		m.logger.Info("replacing existing tunnel",
			logging.KeyAgentID, agentID,
			logging.KeyTunnelID, old.id)
		m.closeTunnel(old, "replaced by new request")
	}

	port, err := m.pool.Acquire()
	if err != nil {
		return Info{}, fmt.Errorf("reserving operator port: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		m.pool.Release(port)
		return Info{}, fmt.Errorf("listening on operator port %d: %w", port, err)
	}

	t := newTunnel(agentID, m.cfg.AdvertiseHost, port, m.cfg.BytesPerSecond)
	t.listener = ln
	t.pendingTimer = time.AfterFunc(m.cfg.PendingTimeout, func() {
		m.expirePending(t)
	})

	m.mu.Lock()
	m.byAgent[agentID] = t
	cmd := m.cmd
	m.mu.Unlock()

	m.metrics.RecordTunnelCreated()
	m.logger.Info("tunnel created",
		logging.KeyAgentID, agentID,
		logging.KeyTunnelID, t.id,
		logging.KeyPort, port)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptOperators(t, ln)
	}()

	if cmd != nil {
		if err := cmd.CreateTunnel(agentID, m.cfg.AdvertiseHost, m.relayPort, t.token); err != nil {
			m.closeTunnel(t, "control channel send failed")
			return Info{}, fmt.Errorf("sending tunnel request to machine: %w", err)
		}
	}

	m.emit(t)
	return t.Info(), nil
}

// Close tears down the machine's tunnel if one exists.
func (m *Manager) Close(agentID string) error {
	m.mu.Lock()
	t := m.byAgent[agentID]
	m.mu.Unlock()
	if t == nil {
		return fmt.Errorf("no tunnel for machine %s: %w", agentID, registry.ErrNotFound)
	}
	m.closeTunnel(t, "closed by request")
	return nil
}

// OnAgentOffline tears down the machine's tunnel when its control
// channel drops. No-op if the machine has no tunnel.
func (m *Manager) OnAgentOffline(agentID string) {
	m.mu.Lock()
	t := m.byAgent[agentID]
	m.mu.Unlock()
	if t != nil {
		m.closeTunnel(t, "control channel closed")
	}
}

// Status returns a snapshot of the machine's tunnel.
func (m *Manager) Status(agentID string) (Info, error) {
	m.mu.Lock()
	t := m.byAgent[agentID]
	m.mu.Unlock()
	if t == nil {
		return Info{}, fmt.Errorf("no tunnel for machine %s: %w", agentID, registry.ErrNotFound)
	}
	return t.Info(), nil
}

// ListAll snapshots every live tunnel, sorted by machine ID.
func (m *Manager) ListAll() []Info {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.byAgent))
	for _, t := range m.byAgent {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(tunnels))
	for _, t := range tunnels {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// UsedPorts reports how many operator ports are reserved.
func (m *Manager) UsedPorts() int {
	return m.pool.Used()
}

func (m *Manager) expirePending(t *Tunnel) {
	t.mu.Lock()
	pending := t.state == StatePending
	t.mu.Unlock()
	if pending {
		m.logger.Warn("machine never connected to relay",
			logging.KeyAgentID, t.agentID,
			logging.KeyTunnelID, t.id)
		m.closeTunnel(t, "machine did not connect")
	}
}

// handleMachineConn authenticates a machine-side relay connection and
// attaches it to its pending tunnel.
func (m *Manager) handleMachineConn(conn net.Conn) {
	defer recovery.RecoverWithLog(m.logger, "machineRelay")

	id, token, rest, err := readHandshake(conn, m.cfg.HandshakeTimeout)
	if err != nil {
		m.rejectRelay(conn, "machine", "invalid handshake", err)
		return
	}

	m.mu.Lock()
	t := m.byAgent[id]
	m.mu.Unlock()
	if t == nil {
		m.rejectRelay(conn, "machine", "no tunnel pending", nil)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(t.token)) != 1 {
		m.rejectRelay(conn, "machine", "invalid token", nil)
		return
	}

	t.mu.Lock()
	if t.state != StatePending {
		reason := "tunnel already connected"
		if t.state == StateClosed {
			reason = "tunnel closed"
		}
		t.mu.Unlock()
		m.rejectRelay(conn, "machine", reason, nil)
		return
	}
	machine := newPrefixConn(conn, rest)
	t.machine = machine
	t.state = StateActive
	timer := t.pendingTimer
	t.pendingTimer = nil
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	m.logger.Info("machine connected to relay",
		logging.KeyAgentID, t.agentID,
		logging.KeyTunnelID, t.id,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())
	m.emit(t)

	// The single machine-side reader for the tunnel's whole life. It
	// parks between operator sessions so machine bytes are never read
	// without an operator to receive them.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.machinePump(t, machine)
	}()
}

func (m *Manager) acceptOperators(t *Tunnel, ln net.Listener) {
	defer recovery.RecoverWithLog(m.logger, "operatorAccept")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleOperatorConn(t, conn)
		}()
	}
}

// handleOperatorConn authenticates an operator-side relay connection.
// The operator presents the same auth line the machine does; the ID must
// match the tunnel's machine.
func (m *Manager) handleOperatorConn(t *Tunnel, conn net.Conn) {
	defer recovery.RecoverWithLog(m.logger, "operatorRelay")

	id, token, rest, err := readHandshake(conn, m.cfg.HandshakeTimeout)
	if err != nil {
		m.rejectRelay(conn, "operator", "invalid handshake", err)
		return
	}
	if id != t.agentID {
		m.rejectRelay(conn, "operator", "machine mismatch", nil)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(t.token)) != 1 {
		m.rejectRelay(conn, "operator", "invalid token", nil)
		return
	}

	m.attachOperator(t, newPrefixConn(conn, rest))
}

// attachOperator pairs an authenticated operator connection with the
// tunnel. An operator already attached is superseded so a viewer whose
// old connection is half-dead can reconnect immediately.
func (m *Manager) attachOperator(t *Tunnel, conn net.Conn) {
	t.mu.Lock()
	switch t.state {
	case StateClosed:
		t.mu.Unlock()
		conn.Close()
		return
	case StatePending:
		t.mu.Unlock()
		m.rejectRelay(conn, "operator", "machine not connected", nil)
		return
	}

	superseded := false
	if old := t.operator; old != nil {
		t.operator = nil
		old.Close()
		superseded = true
	}

	t.operator = conn
	t.operatorGen++
	gen := t.operatorGen
	t.state = StatePaired
	machine := t.machine
	t.cond.Broadcast()
	t.mu.Unlock()

	if superseded {
		// Interrupt the pump's read for the dead session so it picks
		// up the new operator.
		machine.SetReadDeadline(time.Now())
		m.metrics.RecordOperatorDisconnect()
		m.logger.Info("superseding operator connection",
			logging.KeyAgentID, t.agentID,
			logging.KeyTunnelID, t.id)
	}

	m.metrics.RecordOperatorConnect()
	m.logger.Info("operator connected",
		logging.KeyAgentID, t.agentID,
		logging.KeyTunnelID, t.id,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())
	m.emit(t)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.operatorPump(t, machine, conn, gen)
	}()
}

func (m *Manager) rejectRelay(conn net.Conn, side, reason string, err error) {
	attrs := []any{
		"side", side,
		"reason", reason,
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
	}
	if err != nil {
		attrs = append(attrs, logging.KeyError, err)
	}
	m.logger.Warn("relay connection rejected", attrs...)
	m.metrics.RecordHandshakeFailure(side)
	writeHandshakeError(conn, reason)
	conn.Close()
}

// closeTunnel is the single teardown path. Idempotent; safe to call from
// relay goroutines, timers and the API at once.
func (m *Manager) closeTunnel(t *Tunnel, reason string) {
	m.mu.Lock()
	if m.byAgent[t.agentID] == t {
		delete(m.byAgent, t.agentID)
	}
	cmd := m.cmd
	m.mu.Unlock()

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	machine := t.machine
	operator := t.operator
	listener := t.listener
	timer := t.pendingTimer
	t.machine = nil
	t.operator = nil
	t.pendingTimer = nil
	hadOperator := operator != nil
	t.cond.Broadcast()
	t.mu.Unlock()

	t.cancel()
	if timer != nil {
		timer.Stop()
	}
	if listener != nil {
		listener.Close()
	}
	if machine != nil {
		machine.Close()
	}
	if operator != nil {
		operator.Close()
	}
	m.pool.Release(t.port)
	m.metrics.RecordTunnelClosed()
	if hadOperator {
		m.metrics.RecordOperatorDisconnect()
	}

	if cmd != nil && m.dir != nil && m.dir.IsOnline(t.agentID) {
		// Best effort; the machine also stops its relay loop when the
		// connection closes under it.
		if err := cmd.CloseTunnel(t.agentID); err != nil {
			m.logger.Debug("tunnel close notification failed",
				logging.KeyAgentID, t.agentID,
				logging.KeyError, err)
		}
	}

	m.logger.Info("tunnel closed",
		logging.KeyAgentID, t.agentID,
		logging.KeyTunnelID, t.id,
		logging.KeyPort, t.port,
		"reason", reason,
		"bytes_to_machine", t.bytesToMachine.Load(),
		"bytes_to_operator", t.bytesToOperator.Load())
	m.emit(t)
}

func (m *Manager) emit(t *Tunnel) {
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		fn(t.Info())
	}
}
