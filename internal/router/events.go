package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
)

// Event types originated by the server itself. Machine-originated events
// keep their control-channel message type.
const (
	EventAgentOnline  = "agent_online"
	EventAgentOffline = "agent_offline"
	EventTunnelStatus = "tunnel_status"
)

// Event is one entry in the operator event stream.
type Event struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId,omitempty"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// eventBuffer is the per-subscriber queue depth. A subscriber that falls
// this far behind starts losing events rather than stalling the
// machines' message loops.
const eventBuffer = 64

// Hub fans events out to operator subscribers. Publishing never blocks;
// slow subscribers drop events.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub creates an event hub with no subscribers.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Hub{
		logger:  logger.With(logging.KeyComponent, "events"),
		metrics: m,
		subs:    make(map[int]chan Event),
	}
}

// Subscribe registers a new event listener. The returned channel is
// closed by Unsubscribe.
func (h *Hub) Subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, eventBuffer)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.metrics.RecordEventDropped()
			h.logger.Warn("event dropped for slow subscriber",
				"subscriber", id,
				logging.KeyMsgType, ev.Type)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
