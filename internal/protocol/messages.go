// Package protocol defines the JSON control-channel messages exchanged
// between the server and managed machines.
//
// Every message is a JSON object tagged by a "type" field. Field names are
// camelCase on the wire. The control channel carries only these typed
// messages; tunnel payload bytes travel over dedicated raw relay
// connections, never over the control channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol is returned for malformed messages. The connection that sent
// the offending message is closed; other connections are unaffected.
var ErrProtocol = errors.New("protocol error")

// Machine-to-server message types.
const (
	TypeAuth          = "auth"
	TypeHeartbeat     = "heartbeat"
	TypeCommandResult = "command_result"
	TypeShellOutput   = "shell_output"
	TypeShellExit     = "shell_exit"
	TypeUpdatesList   = "updates_list"
	TypeVNCFrame      = "vnc_frame"
	TypeTunnelRequest = "tunnel_request"

	// TypeTunnelData is the legacy in-band relay path. Relay payload now
	// travels over a dedicated raw connection; messages of this type are
	// rejected.
	TypeTunnelData = "tunnel_data"
)

// Server-to-machine message types.
const (
	TypeAuthSuccess         = "auth_success"
	TypeAuthFailed          = "auth_failed"
	TypeShellExec           = "shell_exec"
	TypeCheckUpdates        = "check_updates"
	TypeInstallUpdates      = "install_updates"
	TypeVNCStart            = "vnc_start"
	TypeVNCStop             = "vnc_stop"
	TypeVNCInput            = "vnc_input"
	TypeTunnelCreateRequest = "tunnel_create_request"
	TypeTunnelClose         = "tunnel_close"
)

// Envelope is the minimal decoded form of any control-channel message:
// the type tag plus the raw bytes for a second, type-specific decode.
type Envelope struct {
	Type string `json:"type"`

	raw json.RawMessage
}

// Raw returns the undecoded message bytes.
func (e *Envelope) Raw() json.RawMessage {
	return e.raw
}

// DecodeEnvelope parses the type tag of a control-channel message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrProtocol)
	}
	e.raw = append(json.RawMessage(nil), data...)
	return &e, nil
}

// Decode unmarshals the envelope's payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, e.Type, err)
	}
	return nil
}

// Auth is the first message a machine must send on its control channel.
// AgentID is optional: a machine with no stored identity leaves it empty
// and the server assigns one in AuthSuccess.
type Auth struct {
	Type       string          `json:"type"`
	Token      string          `json:"token"`
	AgentID    string          `json:"agentId,omitempty"`
	Hostname   string          `json:"hostname"`
	OS         string          `json:"os"`
	Version    string          `json:"version"`
	Customer   string          `json:"customer,omitempty"`
	Site       string          `json:"site,omitempty"`
	SystemInfo json.RawMessage `json:"systemInfo,omitempty"`
}

// AuthSuccess acknowledges a successful authentication and carries the
// identifier the server bound to this channel.
type AuthSuccess struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// AuthFailed rejects an authentication attempt. The channel is closed
// immediately after it is sent.
type AuthFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Heartbeat refreshes a machine's last-seen timestamp and metrics snapshot.
type Heartbeat struct {
	Type       string          `json:"type"`
	AgentID    string          `json:"agentId"`
	SystemInfo json.RawMessage `json:"systemInfo,omitempty"`
}

// CommandResult reports the outcome of a previously issued command.
type CommandResult struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Error   string `json:"error,omitempty"`
}

// ShellExec asks a machine to run a shell command. Output streams back as
// ShellOutput messages tagged with the same session ID.
type ShellExec struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	SessionID string `json:"sessionId"`
}

// ShellOutput carries one chunk of command output.
type ShellOutput struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Output    string `json:"output"`
}

// ShellExit signals command completion.
type ShellExit struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// CheckUpdates asks a machine to enumerate available OS updates.
type CheckUpdates struct {
	Type string `json:"type"`
}

// InstallUpdates asks a machine to install the named updates.
type InstallUpdates struct {
	Type      string   `json:"type"`
	UpdateIDs []string `json:"updateIds"`
}

// UpdatesList carries the machine's update enumeration result.
type UpdatesList struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	OS      string          `json:"os"`
	Updates json.RawMessage `json:"updates"`
}

// VNCStart asks a machine to begin screen streaming.
type VNCStart struct {
	Type    string `json:"type"`
	Quality string `json:"quality,omitempty"`
	FPS     int    `json:"fps,omitempty"`
}

// VNCStop asks a machine to stop screen streaming.
type VNCStop struct {
	Type string `json:"type"`
}

// VNCInput forwards an operator input event to a machine.
type VNCInput struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
}

// VNCFrame carries one captured frame from a machine. The server does not
// interpret it; it is fanned out to operator listeners.
type VNCFrame struct {
	Type      string  `json:"type"`
	AgentID   string  `json:"agentId"`
	Frame     string  `json:"frame"`
	Timestamp float64 `json:"timestamp"`
}

// TunnelRequest is a machine asking the server to establish a relay tunnel
// for it (for example after a local VNC server became available).
type TunnelRequest struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// TunnelCreateRequest instructs a machine to open its raw relay connection
// to host:port and authenticate it with the given one-time token.
type TunnelCreateRequest struct {
	Type  string `json:"type"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// TunnelClose instructs a machine to drop its relay connection.
type TunnelClose struct {
	Type string `json:"type"`
}

// Encode marshals a message for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
