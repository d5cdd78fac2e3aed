package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coinstash/remotedesk/internal/protocol"
	"github.com/coinstash/remotedesk/internal/registry"
	"github.com/coinstash/remotedesk/internal/tunnel"
)

// mockChannel is a control channel stub recording sends.
type mockChannel struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (m *mockChannel) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, v)
	return nil
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockChannel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockChannel) messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.sent))
	copy(out, m.sent)
	return out
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *Hub) {
	t.Helper()

	reg := registry.New(registry.Credential{Plain: "secret"}, nil, nil)
	hub := NewHub(nil, nil)
	tun, err := tunnel.NewManager(tunnel.Config{
		RelayAddr:        "127.0.0.1:0",
		AdvertiseHost:    "127.0.0.1",
		PortBase:         42400,
		PortCount:        4,
		HandshakeTimeout: time.Second,
		PendingTimeout:   time.Second,
	}, reg, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := tun.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(tun.Stop)

	return New(reg, tun, hub, nil, nil), reg, hub
}

func authMessage(id string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"auth","token":"secret","agentId":%q,"hostname":"host-1","os":"Linux","version":"1.0.0"}`, id))
}

// authedSession authenticates a fresh session for the given machine.
func authedSession(t *testing.T, r *Router, id string) (*Session, *mockChannel) {
	t.Helper()
	ch := &mockChannel{}
	sess := NewSession(ch, "10.0.0.1:55000")
	if err := r.HandleMessage(sess, authMessage(id)); err != nil {
		t.Fatalf("auth failed: %v", err)
	}
	return sess, ch
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHandleMessage_RejectsBeforeAuth(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sess := NewSession(&mockChannel{}, "")

	err := r.HandleMessage(sess, []byte(`{"type":"heartbeat","agentId":"m1"}`))
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestHandleMessage_MalformedJSON(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sess := NewSession(&mockChannel{}, "")

	if err := r.HandleMessage(sess, []byte(`{nope`)); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestAuth_Success(t *testing.T) {
	r, reg, hub := newTestRouter(t)
	_, evs := hub.Subscribe()

	sess, ch := authedSession(t, r, "m1")
	if sess.AgentID() != "m1" {
		t.Errorf("bound id = %q, want m1", sess.AgentID())
	}
	if !reg.IsOnline("m1") {
		t.Error("machine should be online")
	}

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("channel received %d messages, want 1", len(msgs))
	}
	ack, ok := msgs[0].(protocol.AuthSuccess)
	if !ok || ack.AgentID != "m1" || ack.Type != protocol.TypeAuthSuccess {
		t.Errorf("ack = %#v", msgs[0])
	}

	if ev := recvEvent(t, evs); ev.Type != EventAgentOnline || ev.AgentID != "m1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestAuth_BadToken(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	ch := &mockChannel{}
	sess := NewSession(ch, "")

	err := r.HandleMessage(sess, []byte(`{"type":"auth","token":"wrong","agentId":"m1"}`))
	if !errors.Is(err, registry.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if sess.AgentID() != "" {
		t.Error("session must stay unbound after failed auth")
	}
	if reg.IsOnline("m1") {
		t.Error("machine must not be online")
	}

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("channel received %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].(protocol.AuthFailed); !ok {
		t.Errorf("expected AuthFailed, got %#v", msgs[0])
	}
}

func TestAuth_RepeatedIsProtocolError(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")

	if err := r.HandleMessage(sess, authMessage("m1")); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestHeartbeat_UpdatesRegistry(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")

	msg := []byte(`{"type":"heartbeat","agentId":"m1","systemInfo":{"cpu":12.5}}`)
	if err := r.HandleMessage(sess, msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	info, err := reg.Get("m1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(info.SystemInfo) != `{"cpu":12.5}` {
		t.Errorf("systemInfo = %s", info.SystemInfo)
	}
}

func TestForward_FansOutToSubscribers(t *testing.T) {
	r, _, hub := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")

	_, evs1 := hub.Subscribe()
	_, evs2 := hub.Subscribe()

	raw := `{"type":"shell_output","agentId":"m1","sessionId":"s1","output":"hello\n"}`
	if err := r.HandleMessage(sess, []byte(raw)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	for _, evs := range []<-chan Event{evs1, evs2} {
		ev := recvEvent(t, evs)
		if ev.Type != protocol.TypeShellOutput || ev.AgentID != "m1" {
			t.Errorf("event = %+v", ev)
		}
		if string(ev.Data) != raw {
			t.Errorf("event data = %s", ev.Data)
		}
	}
}

func TestForward_DropsForgedIdentifier(t *testing.T) {
	r, _, hub := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")
	_, evs := hub.Subscribe()

	msg := []byte(`{"type":"vnc_frame","agentId":"m2","frame":"abcd"}`)
	if err := r.HandleMessage(sess, msg); err != nil {
		t.Fatalf("forged message must be dropped, not fatal: %v", err)
	}

	select {
	case ev := <-evs:
		t.Fatalf("forged message was forwarded: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTunnelData_Rejected(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")

	msg := []byte(`{"type":"tunnel_data","agentId":"m1","data":"xxxx"}`)
	if err := r.HandleMessage(sess, msg); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for legacy in-band data, got %v", err)
	}
}

func TestUnknownType_Ignored(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")

	if err := r.HandleMessage(sess, []byte(`{"type":"future_thing"}`)); err != nil {
		t.Fatalf("unknown type must be dropped, got %v", err)
	}
}

func TestTunnelRequest_FromMachine(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sess, ch := authedSession(t, r, "m1")

	if err := r.HandleMessage(sess, []byte(`{"type":"tunnel_request","agentId":"m1"}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	var create protocol.TunnelCreateRequest
	found := false
	for _, m := range ch.messages() {
		if c, ok := m.(protocol.TunnelCreateRequest); ok {
			create, found = c, true
		}
	}
	if !found {
		t.Fatal("machine never received the tunnel create command")
	}
	if create.Token == "" || create.Port == 0 {
		t.Errorf("create command = %+v", create)
	}
}

func TestDisconnect_TearsDown(t *testing.T) {
	r, reg, hub := newTestRouter(t)
	sess, _ := authedSession(t, r, "m1")

	if _, err := r.tunnels.Request("m1"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	_, evs := hub.Subscribe()

	r.Disconnect(sess)

	if reg.IsOnline("m1") {
		t.Error("machine should be offline")
	}
	if _, err := r.tunnels.Status("m1"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("tunnel should be gone, got %v", err)
	}

	seen := false
	for !seen {
		ev := recvEvent(t, evs)
		if ev.Type == EventAgentOffline && ev.AgentID == "m1" {
			seen = true
		}
	}
}

func TestDisconnect_SupersededSessionIsNoop(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	oldSess, oldCh := authedSession(t, r, "m1")
	_, _ = authedSession(t, r, "m1")

	deadline := time.Now().Add(2 * time.Second)
	for !oldCh.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("superseded channel should have been closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Disconnect(oldSess)
	if !reg.IsOnline("m1") {
		t.Error("machine must stay online when a stale session disconnects")
	}
}

func TestDisconnect_Anonymous(t *testing.T) {
	r, _, _ := newTestRouter(t)
	// A channel that never authenticated has nothing to clean up.
	r.Disconnect(NewSession(&mockChannel{}, ""))
}

func TestExecShell_TagsSession(t *testing.T) {
	r, _, _ := newTestRouter(t)
	_, ch := authedSession(t, r, "m1")

	sessionID, err := r.ExecShell("m1", "uptime")
	if err != nil {
		t.Fatalf("ExecShell() error = %v", err)
	}
	if len(sessionID) != 16 {
		t.Errorf("sessionID %q, want 16 hex chars", sessionID)
	}

	msgs := ch.messages()
	exec, ok := msgs[len(msgs)-1].(protocol.ShellExec)
	if !ok {
		t.Fatalf("last message = %#v", msgs[len(msgs)-1])
	}
	if exec.Command != "uptime" || exec.SessionID != sessionID {
		t.Errorf("exec = %+v", exec)
	}
}

func TestCommands_RequireOnlineMachine(t *testing.T) {
	r, _, _ := newTestRouter(t)

	if _, err := r.ExecShell("ghost", "ls"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("ExecShell: expected ErrNotFound, got %v", err)
	}
	if err := r.CheckUpdates("ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("CheckUpdates: expected ErrNotFound, got %v", err)
	}
	if err := r.StartVNC("ghost", "high", 30); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("StartVNC: expected ErrNotFound, got %v", err)
	}
}
