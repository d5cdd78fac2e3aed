package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}
	if m.AgentsOnline == nil {
		t.Error("AgentsOnline metric is nil")
	}
	if m.TunnelsActive == nil {
		t.Error("TunnelsActive metric is nil")
	}
	if m.RelayBytes == nil {
		t.Error("RelayBytes metric is nil")
	}
}

func TestRecordAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordAuthSuccess()
	m.RecordAuthSuccess()
	m.RecordAgentOffline()
	m.RecordAuthFailure()

	if got := testutil.ToFloat64(m.AgentsOnline); got != 1 {
		t.Errorf("AgentsOnline = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AgentsTotal); got != 2 {
		t.Errorf("AgentsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("AuthFailures = %v, want 1", got)
	}
}

func TestRecordTunnelLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordTunnelCreated()
	m.RecordTunnelCreated()
	m.RecordTunnelClosed()

	if got := testutil.ToFloat64(m.TunnelsActive); got != 1 {
		t.Errorf("TunnelsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TunnelsCreated); got != 2 {
		t.Errorf("TunnelsCreated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PortsInUse); got != 1 {
		t.Errorf("PortsInUse = %v, want 1", got)
	}
}

func TestRecordRelayBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordRelayBytes(DirectionToMachine, 100)
	m.RecordRelayBytes(DirectionToMachine, 50)
	m.RecordRelayBytes(DirectionToOperator, 25)

	toMachine := testutil.ToFloat64(m.RelayBytes.WithLabelValues(DirectionToMachine))
	if toMachine != 150 {
		t.Errorf("RelayBytes{to_machine} = %v, want 150", toMachine)
	}
	toOperator := testutil.ToFloat64(m.RelayBytes.WithLabelValues(DirectionToOperator))
	if toOperator != 25 {
		t.Errorf("RelayBytes{to_operator} = %v, want 25", toOperator)
	}
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance")
	}
}
