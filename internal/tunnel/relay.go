package tunnel

import (
	"net"
	"time"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
	"github.com/coinstash/remotedesk/internal/recovery"
)

// machinePump is the only reader of the machine-side connection. It
// parks until an operator attaches, then copies machine bytes to that
// operator until the session ends; detaches interrupt the blocked read
// with an immediate deadline. When the machine connection itself fails
// the whole tunnel is torn down.
func (m *Manager) machinePump(t *Tunnel, machine net.Conn) {
	defer recovery.RecoverWithLog(m.logger, "machinePump")

	buf := make([]byte, relayBurstSize)
	for {
		oper, gen, ok := t.waitOperator()
		if !ok {
			return
		}

		dst := newRateLimitedWriter(t.ctx, oper, t.toOperatorLimit)
		machine.SetReadDeadline(time.Time{})

		for {
			n, err := machine.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					m.detachOperator(t, oper, gen, "operator write failed")
					break
				}
				t.bytesToOperator.Add(uint64(n))
				m.metrics.RecordRelayBytes(metrics.DirectionToOperator, n)
			}
			if err != nil {
				if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
					if t.sameOperator(gen) {
						machine.SetReadDeadline(time.Time{})
						continue
					}
					break
				}
				m.closeTunnel(t, "machine connection closed")
				return
			}
		}
	}
}

// operatorPump copies operator bytes into the machine connection for one
// operator session. An operator read error only detaches the operator;
// the tunnel and the machine connection stay up for the next viewer.
func (m *Manager) operatorPump(t *Tunnel, machine, oper net.Conn, gen uint64) {
	defer recovery.RecoverWithLog(m.logger, "operatorPump")

	dst := newRateLimitedWriter(t.ctx, machine, t.toMachineLimit)
	buf := make([]byte, relayBurstSize)
	for {
		n, err := oper.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				m.closeTunnel(t, "machine write failed")
				return
			}
			t.bytesToMachine.Add(uint64(n))
			m.metrics.RecordRelayBytes(metrics.DirectionToMachine, n)
		}
		if err != nil {
			m.detachOperator(t, oper, gen, "operator disconnected")
			return
		}
	}
}

// detachOperator ends one operator session if it is still the live one.
// Both pumps can race here; the generation check makes the loser a
// no-op.
func (m *Manager) detachOperator(t *Tunnel, oper net.Conn, gen uint64, reason string) {
	t.mu.Lock()
	if t.state == StateClosed || t.operator != oper || t.operatorGen != gen {
		t.mu.Unlock()
		return
	}
	t.operator = nil
	t.state = StateActive
	machine := t.machine
	t.mu.Unlock()

	oper.Close()
	if machine != nil {
		machine.SetReadDeadline(time.Now())
	}

	m.metrics.RecordOperatorDisconnect()
	m.logger.Info("operator detached",
		logging.KeyAgentID, t.agentID,
		logging.KeyTunnelID, t.id,
		"reason", reason)
	m.emit(t)
}
