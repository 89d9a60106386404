// Package msgchannel implements the per-session postMessage channel state
// machine. A channel is requested by the client, becomes ready only after the
// navigated document's origin has been validated against the requested target
// origin, and is invalidated when the bound content navigates cross-origin or
// is destroyed.
package msgchannel

import (
	"sync"

	"github.com/odvcencio/preflight/pkg/client"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/origin"
	"github.com/odvcencio/preflight/pkg/telemetry"
)

// State is the lifecycle position of a session's message channel.
type State int

const (
	StateNone State = iota
	StateRequested
	StateReady
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRequested:
		return "requested"
	case StateReady:
		return "ready"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// PostMessageStatus is the synchronous result of a postMessage call.
type PostMessageStatus int

const (
	StatusSuccess PostMessageStatus = iota
	StatusFailureMessagingError
)

func (s PostMessageStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailureMessagingError:
		return "failure_messaging_error"
	default:
		return "unknown"
	}
}

// PageSink delivers client messages into the bound page. Implemented by the
// rendering collaborator.
type PageSink interface {
	PostMessageToPage(token client.Token, message string) error
}

type channel struct {
	state        State
	targetOrigin origin.Origin // zero value means no origin constraint
	hasTarget    bool
	docOrigin    origin.Origin
	contentAlive bool
	buffered     []string // inbound page messages held until ready
}

// Manager tracks one channel per session token. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	channels map[client.Token]*channel
	sink     PageSink
	hub      *events.Hub
}

// NewManager constructs a channel manager. sink and hub may be nil in tests
// that only exercise state transitions.
func NewManager(sink PageSink, hub *events.Hub) *Manager {
	return &Manager{
		channels: make(map[client.Token]*channel),
		sink:     sink,
		hub:      hub,
	}
}

// Request opens (or re-opens) the channel for token in the requested state.
// A non-empty targetOrigin must parse as a valid origin. Returns false on a
// malformed origin; token existence is the caller's concern.
func (m *Manager) Request(token client.Token, targetOrigin string) bool {
	ch := channel{state: StateRequested}
	if targetOrigin != "" {
		parsed, ok := origin.Parse(targetOrigin)
		if !ok {
			return false
		}
		ch.targetOrigin = parsed
		ch.hasTarget = true
	}

	m.mu.Lock()
	// A fresh request replaces whatever state the previous channel was in,
	// including any buffered messages.
	m.channels[token] = &ch
	m.mu.Unlock()

	telemetry.ChannelTransitions.WithLabelValues(StateRequested.String()).Inc()
	return true
}

// OnContentBound reports that the session's tab committed a document with the
// given origin. If a channel is requested and the origin satisfies its
// constraint, the channel becomes ready: the ready event fires first, then
// any messages buffered from the page, in arrival order.
func (m *Manager) OnContentBound(token client.Token, docOrigin origin.Origin) {
	m.mu.Lock()
	ch, ok := m.channels[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch.contentAlive = true
	ch.docOrigin = docOrigin

	if ch.state != StateRequested {
		m.mu.Unlock()
		return
	}
	if ch.hasTarget && ch.targetOrigin != docOrigin {
		// Origin never validated; leave the channel requested so a later
		// navigation to the right origin can still complete it.
		m.mu.Unlock()
		return
	}
	ch.state = StateReady
	flush := ch.buffered
	ch.buffered = nil
	m.mu.Unlock()

	telemetry.ChannelTransitions.WithLabelValues(StateReady.String()).Inc()
	m.publish(events.EventChannelReady, token, map[string]any{
		"origin": docOrigin.String(),
	})
	for _, msg := range flush {
		m.publish(events.EventChannelMessage, token, map[string]any{
			"message": msg,
		})
	}
}

// OnNavigated reports a subsequent navigation of the bound content. A
// cross-origin navigation invalidates a ready channel; the client must
// request a fresh channel afterward.
func (m *Manager) OnNavigated(token client.Token, newOrigin origin.Origin) {
	m.mu.Lock()
	ch, ok := m.channels[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	if ch.state == StateReady && ch.docOrigin != newOrigin {
		ch.state = StateInvalidated
		ch.buffered = nil
		m.mu.Unlock()
		telemetry.ChannelTransitions.WithLabelValues(StateInvalidated.String()).Inc()
		return
	}
	ch.docOrigin = newOrigin
	m.mu.Unlock()
}

// OnContentDestroyed reports that the bound web content went away. Any
// channel for token stops accepting messages until re-requested and re-bound.
func (m *Manager) OnContentDestroyed(token client.Token) {
	m.mu.Lock()
	ch, ok := m.channels[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch.contentAlive = false
	if ch.state == StateReady {
		ch.state = StateInvalidated
		telemetry.ChannelTransitions.WithLabelValues(StateInvalidated.String()).Inc()
	}
	ch.buffered = nil
	m.mu.Unlock()
}

// PostMessage sends a client message into the page. Succeeds only when the
// channel is ready and the bound content is alive; every other condition is
// the same messaging error, indistinguishable to the untrusted caller.
func (m *Manager) PostMessage(token client.Token, message string) PostMessageStatus {
	m.mu.Lock()
	ch, ok := m.channels[token]
	if !ok || ch.state != StateReady || !ch.contentAlive {
		m.mu.Unlock()
		telemetry.MessagesPosted.WithLabelValues("rejected").Inc()
		return StatusFailureMessagingError
	}
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.PostMessageToPage(token, message); err != nil {
			telemetry.MessagesPosted.WithLabelValues("rejected").Inc()
			return StatusFailureMessagingError
		}
	}
	telemetry.MessagesPosted.WithLabelValues("delivered").Inc()
	return StatusSuccess
}

// OnMessageFromPage forwards a page-originated message to the client.
// Messages arriving before readiness are buffered and delivered after the
// ready notification; messages on a dead or absent channel are dropped.
func (m *Manager) OnMessageFromPage(token client.Token, message string) {
	m.mu.Lock()
	ch, ok := m.channels[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	switch ch.state {
	case StateReady:
		m.mu.Unlock()
		telemetry.MessagesPosted.WithLabelValues("delivered").Inc()
		m.publish(events.EventChannelMessage, token, map[string]any{
			"message": message,
		})
	case StateRequested:
		ch.buffered = append(ch.buffered, message)
		m.mu.Unlock()
		telemetry.MessagesPosted.WithLabelValues("buffered").Inc()
	default:
		m.mu.Unlock()
	}
}

// StateFor returns the channel state for token; StateNone when no channel
// was ever requested.
func (m *Manager) StateFor(token client.Token) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[token]
	if !ok {
		return StateNone
	}
	return ch.state
}

// Cleanup drops all channel state for token.
func (m *Manager) Cleanup(token client.Token) {
	m.mu.Lock()
	delete(m.channels, token)
	m.mu.Unlock()
}

func (m *Manager) publish(eventType events.EventType, token client.Token, data map[string]any) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{
		Type:  eventType,
		Token: string(token),
		Data:  data,
	})
}
