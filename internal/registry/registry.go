// Package registry tracks managed machines and their control channels.
package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
)

var (
	// ErrAuth is returned for a bad or missing credential. The channel is
	// closed and no state is mutated.
	ErrAuth = errors.New("authentication rejected")

	// ErrNotFound is returned for operations referencing an unknown machine.
	ErrNotFound = errors.New("machine not found")

	// ErrOffline is returned when an operation needs a live control channel
	// and the machine has none. Distinct from ErrNotFound so callers can
	// tell "unknown" from "known but unreachable".
	ErrOffline = errors.New("machine offline")
)

// Channel is a machine's control channel as seen by the registry.
// The registry owns the binding between a machine identifier and its
// channel; the channel itself is owned by the transport layer.
type Channel interface {
	// Send marshals and delivers one control message to the machine.
	Send(v any) error

	// Close tears down the channel. Must be idempotent.
	Close() error
}

// Credential is the shared agent credential. Hash is a bcrypt hash and
// takes precedence; Plain is compared in constant time as a development
// fallback.
type Credential struct {
	Hash  string
	Plain string
}

// Verify reports whether token matches the credential.
func (c Credential) Verify(token string) bool {
	if token == "" {
		return false
	}
	if c.Hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(token)) == nil
	}
	if c.Plain != "" {
		return subtle.ConstantTimeCompare([]byte(c.Plain), []byte(token)) == 1
	}
	return false
}

// AgentInfo is a read-only snapshot of a machine record. It never carries
// the control channel, so callers outside the registry cannot write to a
// machine directly.
type AgentInfo struct {
	ID         string          `json:"id"`
	Hostname   string          `json:"hostname"`
	OS         string          `json:"os"`
	Version    string          `json:"version"`
	Customer   string          `json:"customer,omitempty"`
	Site       string          `json:"site,omitempty"`
	Online     bool            `json:"online"`
	LastSeen   time.Time       `json:"lastSeen"`
	SystemInfo json.RawMessage `json:"systemInfo,omitempty"`
}

// AuthRequest carries the fields of an auth message relevant to the
// registry.
type AuthRequest struct {
	Token      string
	DeclaredID string
	Hostname   string
	OS         string
	Version    string
	Customer   string
	Site       string
	SystemInfo json.RawMessage
}

type record struct {
	info AgentInfo
	ch   Channel
}

// Registry is the authoritative map of machine identifier to agent record.
// Records are created on first successful authentication and marked offline,
// never deleted, when their channel closes.
type Registry struct {
	cred    Credential
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	agents map[string]*record
}

// New creates an empty registry.
func New(cred Credential, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		cred:    cred,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		agents:  make(map[string]*record),
	}
}

// Authenticate validates the shared credential and binds ch to the machine
// identifier. A machine that declares no identifier is assigned a fresh one.
// An existing live channel for the same identifier is superseded: the old
// channel is closed and the new one takes its place.
func (r *Registry) Authenticate(req AuthRequest, ch Channel) (string, error) {
	if !r.cred.Verify(req.Token) {
		if r.metrics != nil {
			r.metrics.RecordAuthFailure()
		}
		return "", ErrAuth
	}

	id := req.DeclaredID
	if id == "" {
		var err error
		id, err = newAgentID()
		if err != nil {
			return "", fmt.Errorf("assign agent id: %w", err)
		}
	}

	var superseded Channel

	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		rec = &record{info: AgentInfo{ID: id}}
		r.agents[id] = rec
	}
	wasOnline := rec.info.Online
	if wasOnline && rec.ch != nil && rec.ch != ch {
		superseded = rec.ch
	}
	rec.ch = ch
	rec.info.Hostname = req.Hostname
	rec.info.OS = req.OS
	rec.info.Version = req.Version
	if req.Customer != "" {
		rec.info.Customer = req.Customer
	}
	if req.Site != "" {
		rec.info.Site = req.Site
	}
	if len(req.SystemInfo) > 0 {
		rec.info.SystemInfo = append(json.RawMessage(nil), req.SystemInfo...)
	}
	rec.info.Online = true
	rec.info.LastSeen = r.now()
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Info("superseding control channel",
			logging.KeyAgentID, id)
		// The old peer may be dead or not reading; its close handshake
		// must not delay the new channel's auth ack.
		go superseded.Close()
	}

	if r.metrics != nil {
		if wasOnline {
			r.metrics.AgentsTotal.Inc()
		} else {
			r.metrics.RecordAuthSuccess()
		}
	}

	r.logger.Info("machine authenticated",
		logging.KeyAgentID, id,
		"hostname", req.Hostname,
		"os", req.OS)

	return id, nil
}

// Heartbeat refreshes the machine's last-seen timestamp and status payload.
// Unknown identifiers are logged and dropped, never an error.
func (r *Registry) Heartbeat(id string, systemInfo json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		r.logger.Warn("heartbeat from unknown machine",
			logging.KeyAgentID, id)
		return
	}
	rec.info.LastSeen = r.now()
	if len(systemInfo) > 0 {
		rec.info.SystemInfo = append(json.RawMessage(nil), systemInfo...)
	}
}

// MarkOffline records a control channel closing. If ch is non-nil and the
// record is already bound to a different channel (the close raced a
// supersede), the call is ignored. Idempotent. Reports whether the machine
// actually went offline.
func (r *Registry) MarkOffline(id string, ch Channel) bool {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if ch != nil && rec.ch != nil && rec.ch != ch {
		r.mu.Unlock()
		return false
	}
	wasOnline := rec.info.Online
	rec.info.Online = false
	rec.info.LastSeen = r.now()
	rec.ch = nil
	r.mu.Unlock()

	if wasOnline {
		if r.metrics != nil {
			r.metrics.RecordAgentOffline()
		}
		r.logger.Info("machine offline", logging.KeyAgentID, id)
	}
	return wasOnline
}

// Send delivers one control message to a machine over its live channel.
func (r *Registry) Send(id string, v any) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	var ch Channel
	if ok {
		ch = rec.ch
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrOffline, id)
	}
	return ch.Send(v)
}

// IsOnline reports whether the machine has a live control channel.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	return ok && rec.info.Online
}

// Get returns a snapshot of one machine record.
func (r *Registry) Get(id string) (AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return AgentInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneInfo(rec.info), nil
}

// List returns snapshots of all machine records, ordered by identifier.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, cloneInfo(rec.info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FilterByGroup returns machines matching the given group labels. An empty
// label matches everything at that level.
func (r *Registry) FilterByGroup(customer, site string) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentInfo
	for _, rec := range r.agents {
		if customer != "" && rec.info.Customer != customer {
			continue
		}
		if site != "" && rec.info.Site != site {
			continue
		}
		out = append(out, cloneInfo(rec.info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateGroupLabels edits a machine's group labels. Nil leaves a label
// unchanged. Connection state is not affected.
func (r *Registry) UpdateGroupLabels(id string, customer, site *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if customer != nil {
		rec.info.Customer = *customer
	}
	if site != nil {
		rec.info.Site = *site
	}
	return nil
}

func cloneInfo(info AgentInfo) AgentInfo {
	out := info
	if len(info.SystemInfo) > 0 {
		out.SystemInfo = append(json.RawMessage(nil), info.SystemInfo...)
	}
	return out
}

// newAgentID generates a random 128-bit identifier in hex.
func newAgentID() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
