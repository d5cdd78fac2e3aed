package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/remotedesk/internal/protocol"
	"github.com/coinstash/remotedesk/internal/registry"
	"github.com/coinstash/remotedesk/internal/router"
	"github.com/coinstash/remotedesk/internal/tunnel"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *router.Hub) {
	t.Helper()

	reg := registry.New(registry.Credential{Plain: "secret"}, nil, nil)
	hub := router.NewHub(nil, nil)
	tun, err := tunnel.NewManager(tunnel.Config{
		RelayAddr:        "127.0.0.1:0",
		AdvertiseHost:    "127.0.0.1",
		PortBase:         42500,
		PortCount:        4,
		HandshakeTimeout: time.Second,
		PendingTimeout:   time.Second,
	}, reg, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(tun.Stop)

	rt := router.New(reg, tun, hub, nil, nil)
	s := New(Config{ListenAddr: "127.0.0.1:0", ControlPath: "/ws"}, rt, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, reg, hub
}

func dialControl(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.Address()), nil)
	if err != nil {
		t.Fatalf("dialing control channel: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("writing control message: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading control message: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
}

func waitOnline(t *testing.T, reg *registry.Registry, id string, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reg.IsOnline(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for IsOnline(%s) == %v", id, want)
}

func TestControlChannel_AuthHeartbeatDisconnect(t *testing.T) {
	s, reg, _ := newTestServer(t)
	conn := dialControl(t, s)

	sendJSON(t, conn, `{"type":"auth","token":"secret","agentId":"m1","hostname":"web-01","os":"Linux","version":"1.0.0"}`)

	var ack protocol.AuthSuccess
	readJSON(t, conn, &ack)
	if ack.Type != protocol.TypeAuthSuccess || ack.AgentID != "m1" {
		t.Fatalf("ack = %+v", ack)
	}
	waitOnline(t, reg, "m1", true)

	sendJSON(t, conn, `{"type":"heartbeat","agentId":"m1","systemInfo":{"cpu":3.5}}`)

	conn.Close(websocket.StatusNormalClosure, "")
	waitOnline(t, reg, "m1", false)

	info, err := reg.Get("m1")
	if err != nil {
		t.Fatalf("record must survive disconnect: %v", err)
	}
	if string(info.SystemInfo) != `{"cpu":3.5}` {
		t.Errorf("systemInfo = %s", info.SystemInfo)
	}
}

func TestControlChannel_ServerAssignsID(t *testing.T) {
	s, reg, _ := newTestServer(t)
	conn := dialControl(t, s)

	sendJSON(t, conn, `{"type":"auth","token":"secret","hostname":"fresh","os":"Windows","version":"1.0.0"}`)

	var ack protocol.AuthSuccess
	readJSON(t, conn, &ack)
	if len(ack.AgentID) != 32 {
		t.Fatalf("assigned id %q, want 32 hex chars", ack.AgentID)
	}
	waitOnline(t, reg, ack.AgentID, true)
}

func TestControlChannel_BadTokenClosesChannel(t *testing.T) {
	s, reg, _ := newTestServer(t)
	conn := dialControl(t, s)

	sendJSON(t, conn, `{"type":"auth","token":"wrong","agentId":"m1"}`)

	var rej protocol.AuthFailed
	readJSON(t, conn, &rej)
	if rej.Type != protocol.TypeAuthFailed {
		t.Fatalf("rejection = %+v", rej)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("channel must be closed after failed auth")
	}
	if reg.IsOnline("m1") {
		t.Error("machine must not be online")
	}
}

func TestControlChannel_MessageBeforeAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := dialControl(t, s)

	sendJSON(t, conn, `{"type":"heartbeat","agentId":"m1"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("channel must be closed for messages before auth")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(err))
	}
}

func TestControlChannel_Supersede(t *testing.T) {
	s, reg, _ := newTestServer(t)

	auth := `{"type":"auth","token":"secret","agentId":"m1","hostname":"h","os":"Linux","version":"1.0.0"}`

	first := dialControl(t, s)
	sendJSON(t, first, auth)
	var ack protocol.AuthSuccess
	readJSON(t, first, &ack)

	second := dialControl(t, s)
	sendJSON(t, second, auth)
	readJSON(t, second, &ack)

	// The first channel is closed by the supersede; the machine stays
	// online through the second.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); err == nil {
		t.Error("superseded channel must be closed")
	}
	waitOnline(t, reg, "m1", true)
}

func TestControlChannel_MalformedJSON(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := dialControl(t, s)

	sendJSON(t, conn, `{broken`)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("channel must be closed after malformed message")
	}
}
