package ipc

import (
	"sync"

	"github.com/odvcencio/preflight/pkg/telemetry"
)

// streamLimiter caps concurrent WebSocket event-stream connections so one
// misbehaving client app cannot exhaust the coordinator. It owns the
// active-connections gauge so the metric and the admission decision can
// never drift apart.
type streamLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newStreamLimiter(max int) *streamLimiter {
	return &streamLimiter{max: max}
}

// Acquire admits one event-stream connection. A nil limiter or a
// non-positive cap admits everything.
func (l *streamLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		telemetry.ActiveEventStreamConnections.Inc()
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	telemetry.ActiveEventStreamConnections.Inc()
	return true
}

// Release returns one admitted connection. Safe to call on a nil limiter;
// never underflows.
func (l *streamLimiter) Release() {
	if l == nil || l.max <= 0 {
		telemetry.ActiveEventStreamConnections.Dec()
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
		telemetry.ActiveEventStreamConnections.Dec()
	}
}
