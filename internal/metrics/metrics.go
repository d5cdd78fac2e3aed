// Package metrics provides Prometheus metrics for the Remote Desk server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "remotedesk"
)

// Relay directions used as label values for RelayBytes.
const (
	DirectionToMachine  = "to_machine"
	DirectionToOperator = "to_operator"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Agent registry metrics
	AgentsOnline  prometheus.Gauge
	AgentsTotal   prometheus.Counter
	AuthFailures  prometheus.Counter
	MessagesTotal *prometheus.CounterVec

	// Operator fan-out metrics
	OperatorsConnected prometheus.Gauge
	EventsDropped      prometheus.Counter

	// Tunnel metrics
	TunnelsActive     prometheus.Gauge
	TunnelsCreated    prometheus.Counter
	HandshakeFailures *prometheus.CounterVec
	RelayBytes        *prometheus.CounterVec
	PortsInUse        prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance on a custom registry.
// Tests use this to avoid duplicate-registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_online",
			Help:      "Number of machines with a live control channel",
		}),
		AgentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_total",
			Help:      "Total successful control-channel authentications",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total rejected control-channel authentications",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total control-channel messages processed by type",
		}, []string{"type"}),

		OperatorsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operators_connected",
			Help:      "Number of connected operator event listeners",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total operator events dropped due to slow listeners",
		}),

		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of live tunnel records",
		}),
		TunnelsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_created_total",
			Help:      "Total tunnels created",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_handshake_failures_total",
			Help:      "Total rejected relay handshakes by side",
		}, []string{"side"}),
		RelayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),
		PortsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Number of tunnel ports currently reserved",
		}),
	}
}

// RecordAuthSuccess records a machine coming online.
func (m *Metrics) RecordAuthSuccess() {
	m.AgentsOnline.Inc()
	m.AgentsTotal.Inc()
}

// RecordAuthFailure records a rejected authentication.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordAgentOffline records a machine going offline.
func (m *Metrics) RecordAgentOffline() {
	m.AgentsOnline.Dec()
}

// RecordMessage records one processed control-channel message.
func (m *Metrics) RecordMessage(msgType string) {
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordTunnelCreated records a new tunnel record and its reserved port.
func (m *Metrics) RecordTunnelCreated() {
	m.TunnelsActive.Inc()
	m.TunnelsCreated.Inc()
	m.PortsInUse.Inc()
}

// RecordTunnelClosed records a tunnel teardown and its port release.
func (m *Metrics) RecordTunnelClosed() {
	m.TunnelsActive.Dec()
	m.PortsInUse.Dec()
}

// RecordHandshakeFailure records a rejected relay handshake.
// side is "machine" or "operator".
func (m *Metrics) RecordHandshakeFailure(side string) {
	m.HandshakeFailures.WithLabelValues(side).Inc()
}

// RecordRelayBytes records relayed payload bytes for one direction.
func (m *Metrics) RecordRelayBytes(direction string, n int) {
	m.RelayBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordOperatorConnect records an operator listener attaching.
func (m *Metrics) RecordOperatorConnect() {
	m.OperatorsConnected.Inc()
}

// RecordOperatorDisconnect records an operator listener detaching.
func (m *Metrics) RecordOperatorDisconnect() {
	m.OperatorsConnected.Dec()
}

// RecordEventDropped records an operator event dropped on a full queue.
func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}
