package router

import (
	"testing"
	"time"
)

func TestHub_SubscribeAndPublish(t *testing.T) {
	h := NewHub(nil, nil)
	id, evs := h.Subscribe()

	h.Publish(Event{Type: EventAgentOnline, AgentID: "m1"})

	select {
	case ev := <-evs:
		if ev.Type != EventAgentOnline || ev.AgentID != "m1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("publish must stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	h.Unsubscribe(id)
	if _, ok := <-evs; ok {
		t.Error("channel must be closed after unsubscribe")
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", h.SubscriberCount())
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	id, _ := h.Subscribe()
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	h.Unsubscribe(99)
}

func TestHub_SlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub(nil, nil)
	_, evs := h.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer*2; i++ {
			h.Publish(Event{Type: "vnc_frame", AgentID: "m1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer is full; everything past it was dropped.
	if got := len(evs); got != eventBuffer {
		t.Errorf("buffered events = %d, want %d", got, eventBuffer)
	}
}

func TestHub_IndependentSubscribers(t *testing.T) {
	h := NewHub(nil, nil)
	_, a := h.Subscribe()
	idB, b := h.Subscribe()

	h.Unsubscribe(idB)
	h.Publish(Event{Type: EventTunnelStatus, AgentID: "m1"})

	select {
	case ev := <-a:
		if ev.Type != EventTunnelStatus {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber received nothing")
	}

	if _, ok := <-b; ok {
		t.Error("unsubscribed channel must be closed and empty")
	}
}
