package tunnel

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseHandshakeLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		id      string
		token   string
		wantErr bool
	}{
		{"valid", "TUNNEL_AUTH:machine-1:abc123", "machine-1", "abc123", false},
		{"valid with CR", "TUNNEL_AUTH:machine-1:abc123\r", "machine-1", "abc123", false},
		{"missing prefix", "HELLO:machine-1:abc123", "", "", true},
		{"missing token", "TUNNEL_AUTH:machine-1", "", "", true},
		{"empty id", "TUNNEL_AUTH::abc123", "", "", true},
		{"empty token", "TUNNEL_AUTH:machine-1:", "", "", true},
		{"colon in token", "TUNNEL_AUTH:m1:ab:cd", "", "", true},
		{"empty line", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, token, err := parseHandshakeLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseHandshakeLine(%q) expected error, got id=%q token=%q", tt.line, id, token)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHandshakeLine(%q) error = %v", tt.line, err)
			}
			if id != tt.id || token != tt.token {
				t.Errorf("parseHandshakeLine(%q) = (%q, %q), want (%q, %q)", tt.line, id, token, tt.id, tt.token)
			}
		})
	}
}

func TestReadHandshake_PayloadAfterNewline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("TUNNEL_AUTH:m1:tok\nRFB 003.008\n"))
	}()

	id, token, rest, err := readHandshake(server, time.Second)
	if err != nil {
		t.Fatalf("readHandshake() error = %v", err)
	}
	if id != "m1" || token != "tok" {
		t.Errorf("got id=%q token=%q", id, token)
	}
	if string(rest) != "RFB 003.008\n" {
		t.Errorf("rest = %q, want the payload after the newline", rest)
	}
}

func TestReadHandshake_SplitAcrossWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("TUNNEL_"))
		client.Write([]byte("AUTH:m1:to"))
		client.Write([]byte("k\n"))
	}()

	id, token, rest, err := readHandshake(server, time.Second)
	if err != nil {
		t.Fatalf("readHandshake() error = %v", err)
	}
	if id != "m1" || token != "tok" || len(rest) != 0 {
		t.Errorf("got id=%q token=%q rest=%q", id, token, rest)
	}
}

func TestReadHandshake_LineTooLong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("TUNNEL_AUTH:" + strings.Repeat("x", 2*maxHandshakeLine)))
	}()

	if _, _, _, err := readHandshake(server, time.Second); err == nil {
		t.Fatal("expected error for oversized handshake line")
	}
}

func TestReadHandshake_Timeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// net.Pipe honors deadlines; nothing is ever written.
	if _, _, _, err := readHandshake(server, 20*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestPrefixConn_ReplaysThenPassesThrough(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := newPrefixConn(server, []byte("head"))

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "head" {
		t.Fatalf("prefix read = %q, want %q", buf[:n], "head")
	}

	go client.Write([]byte("tail"))
	n, err = conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "tail" {
		t.Fatalf("passthrough read = %q, want %q", buf[:n], "tail")
	}
}
