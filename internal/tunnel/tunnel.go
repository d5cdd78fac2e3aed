package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State tracks a tunnel through its lifecycle. Transitions only move
// forward; a closed tunnel is never reused.
type State int

const (
	// StatePending means the port is reserved and the machine has been
	// told to dial in, but its relay connection has not arrived yet.
	StatePending State = iota

	// StateActive means the machine-side relay connection is attached
	// and the tunnel is waiting for an operator.
	StateActive

	// StatePaired means both sides are attached and bytes are flowing.
	StatePaired

	// StateClosed is terminal. The port has been returned to the pool.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StatePaired:
		return "paired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a point-in-time snapshot of a tunnel, safe to hand to the API
// layer and to event subscribers.
type Info struct {
	TunnelID        string    `json:"tunnelId"`
	AgentID         string    `json:"agentId"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	State           string    `json:"state"`
	HasOperator     bool      `json:"hasOperator"`
	CreatedAt       time.Time `json:"createdAt"`
	BytesToMachine  uint64    `json:"bytesToMachine"`
	BytesToOperator uint64    `json:"bytesToOperator"`
}

// Tunnel is one reserved relay slot for one machine. The machine-side
// connection persists for the tunnel's whole life; operator connections
// come and go without disturbing it.
type Tunnel struct {
	id        string
	agentID   string
	token     string
	host      string
	port      int
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// Shared across operator sessions so a reconnecting viewer cannot
	// reset the bandwidth cap.
	toMachineLimit  *rate.Limiter
	toOperatorLimit *rate.Limiter

	// Cumulative across all operator sessions.
	bytesToMachine  atomic.Uint64
	bytesToOperator atomic.Uint64

	mu           sync.Mutex
	cond         *sync.Cond // signals operator attach and close
	state        State
	machine      net.Conn
	operator     net.Conn
	operatorGen  uint64
	listener     net.Listener
	pendingTimer *time.Timer
}

func newTunnel(agentID, host string, port int, bytesPerSecond int64) *Tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		id:              newToken(8),
		agentID:         agentID,
		token:           newToken(16),
		host:            host,
		port:            port,
		createdAt:       time.Now(),
		ctx:             ctx,
		cancel:          cancel,
		toMachineLimit:  newRelayLimiter(bytesPerSecond),
		toOperatorLimit: newRelayLimiter(bytesPerSecond),
		state:           StatePending,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// waitOperator blocks until an operator is attached or the tunnel
// closes. Returns the operator connection and its session generation.
func (t *Tunnel) waitOperator() (net.Conn, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.operator == nil && t.state != StateClosed {
		t.cond.Wait()
	}
	if t.state == StateClosed {
		return nil, 0, false
	}
	return t.operator, t.operatorGen, true
}

// sameOperator reports whether the given session is still the live one.
func (t *Tunnel) sameOperator(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.operator != nil && t.operatorGen == gen
}

// Info snapshots the tunnel under its lock.
func (t *Tunnel) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		TunnelID:        t.id,
		AgentID:         t.agentID,
		Host:            t.host,
		Port:            t.port,
		State:           t.state.String(),
		HasOperator:     t.operator != nil,
		CreatedAt:       t.createdAt,
		BytesToMachine:  t.bytesToMachine.Load(),
		BytesToOperator: t.bytesToOperator.Load(),
	}
}

// newToken returns n random bytes hex encoded.
func newToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("tunnel: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
