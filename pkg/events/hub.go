// Package events fan-outs coordinator events to client-facing subscribers.
// Events are the out-of-band notifications a bound client app receives:
// warmup completion, speculation lifecycle, messaging channel state, and
// detached request progress.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of coordinator event.
type EventType string

const (
	EventWarmupCompleted         EventType = "warmup.completed"
	EventSpeculationStarted      EventType = "speculation.started"
	EventSpeculationConsumed     EventType = "speculation.consumed"
	EventSpeculationSuperseded   EventType = "speculation.superseded"
	EventSpeculationCanceled     EventType = "speculation.canceled"
	EventSpeculationRendererLost EventType = "speculation.renderer_lost"
	EventChannelReady            EventType = "channel.ready"
	EventChannelMessage          EventType = "channel.message"
	EventDetachedRequested       EventType = "detached.requested"
	EventDetachedCompleted       EventType = "detached.completed"
	EventPageLoadMetrics         EventType = "metrics.page_load"
)

// Event describes a coordinator notification that clients can consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Token     string         `json:"token,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string // value is the token filter, "" for all
	closed      bool
}

// NewHub constructs an event hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]string)}
}

// Publish notifies all matching subscribers of an event. Non-blocking;
// drops if a subscriber's buffer is full.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch, filter := range h.subscribers {
		// An empty event token is a broadcast; filtered subscribers still
		// receive it.
		if filter != "" && event.Token != "" && filter != event.Token {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop if subscriber can't keep up; must never block the
			// coordinator's control path.
		}
	}
}

// Subscribe returns a channel that will receive all future events and a
// cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.subscribe("")
}

// SubscribeToken returns a channel receiving only events for one session
// token, plus broadcast events published with an empty token.
func (h *Hub) SubscribeToken(token string) (<-chan Event, func()) {
	return h.subscribe(token)
}

func (h *Hub) subscribe(filter string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, 64)
	h.subscribers[ch] = filter
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
