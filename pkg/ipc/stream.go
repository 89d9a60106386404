package ipc

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/telemetry"
)

const (
	streamWriteTimeout = 15 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
)

// EventStream forwards coordinator events to WebSocket clients. A client may
// pass ?session=<token> to receive only that session's events plus
// broadcasts.
type EventStream struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
	auth     func(*http.Request) error
}

// NewEventStream creates the stream. auth is enforced on every upgrade when
// non-nil. allowedOrigins restricts browser-originated upgrades; an empty
// list admits everything, since non-browser loopback IPC peers send no
// Origin header at all.
func NewEventStream(hub *events.Hub, auth func(*http.Request) error, allowedOrigins []string) *EventStream {
	return &EventStream{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		auth: auth,
	}
}

// originAllowed applies the configured browser-origin allow-list. Requests
// without an Origin header are local IPC peers and always pass.
func originAllowed(allowed []string, reqOrigin string) bool {
	if len(allowed) == 0 || reqOrigin == "" {
		return true
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, reqOrigin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the connection and pumps events until the client
// goes away. release is invoked exactly once when the connection ends.
func (s *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request, release func()) {
	var releaseOnce sync.Once
	done := func() {
		if release != nil {
			releaseOnce.Do(release)
		}
	}

	if s.auth != nil {
		if err := s.auth(r); err != nil {
			done()
			respondError(w, http.StatusUnauthorized, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		done()
		return
	}

	var (
		ch    <-chan events.Event
		unsub func()
	)
	if token := r.URL.Query().Get("session"); token != "" {
		ch, unsub = s.hub.SubscribeToken(token)
	} else {
		ch, unsub = s.hub.Subscribe()
	}

	closed := make(chan struct{})

	// Reader: only pong/close traffic is expected from clients.
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			unsub()
			conn.Close()
			done()
		}()

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					telemetry.EventStreamBackpressureDrops.Inc()
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}()
}
