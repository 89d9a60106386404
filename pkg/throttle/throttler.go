// Package throttle rate-limits speculative navigation requests per
// originating process identity. All sessions owned by one uid share a single
// backoff budget, so a client app cannot dodge the limiter by opening more
// connections.
package throttle

import (
	"sync"
	"time"
)

// Default backoff bounds.
const (
	DefaultMinDelay = 100 * time.Millisecond
	DefaultMaxDelay = 10 * time.Minute
)

// forgetFactor scales MaxDelay into the idle gap after which a uid's
// accumulated backoff is forgotten.
const forgetFactor = 2

// Clock returns the current time; injected for tests.
type Clock func() time.Time

// Config bounds the per-uid exponential backoff.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultConfig returns the production backoff bounds.
func DefaultConfig() Config {
	return Config{MinDelay: DefaultMinDelay, MaxDelay: DefaultMaxDelay}
}

type record struct {
	lastRequest time.Time
	nextAllowed time.Time
	delay       time.Duration
	banned      bool
}

// Throttler tracks one backoff record per uid.
type Throttler struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	records map[int]*record
}

// New creates a Throttler with the given bounds. A zero Config falls back to
// defaults.
func New(cfg Config) *Throttler {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Throttler{
		cfg:     cfg,
		clock:   time.Now,
		records: make(map[int]*record),
	}
}

// SetClock replaces the time source. Test hook.
func (t *Throttler) SetClock(clock Clock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
}

// Allow reports whether a speculative request from uid is admitted, and
// advances the uid's backoff schedule. Each admitted request schedules the
// next allowed time at now + currentDelay; rapid repetition grows the delay
// up to MaxDelay; an idle gap longer than 2×MaxDelay resets it.
//
// A banned uid still gets admission results here for bookkeeping parity;
// callers must check Banned separately before allocating resources.
func (t *Throttler) Allow(uid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	rec, ok := t.records[uid]
	if !ok {
		rec = &record{delay: t.cfg.MinDelay}
		t.records[uid] = rec
	}

	// Long idle gap forgets accumulated backoff, not the ban.
	if !rec.lastRequest.IsZero() && now.Sub(rec.lastRequest) > forgetFactor*t.cfg.MaxDelay {
		rec.delay = t.cfg.MinDelay
		rec.nextAllowed = time.Time{}
	}
	rec.lastRequest = now

	if now.Before(rec.nextAllowed) {
		rec.delay *= 2
		if rec.delay > t.cfg.MaxDelay {
			rec.delay = t.cfg.MaxDelay
		}
		return false
	}

	rec.nextAllowed = now.Add(rec.delay)
	return true
}

// Ban suppresses resource allocation for every session owned by uid.
// Admission bookkeeping continues so telemetry stays comparable.
func (t *Throttler) Ban(uid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[uid]
	if !ok {
		rec = &record{delay: t.cfg.MinDelay}
		t.records[uid] = rec
	}
	rec.banned = true
}

// Banned reports whether uid is banned.
func (t *Throttler) Banned(uid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[uid]
	return ok && rec.banned
}

// Reset clears uid's backoff state and ban. Administrative hook.
func (t *Throttler) Reset(uid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, uid)
}
