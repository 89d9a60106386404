// Package client tracks per-session state for connected client apps.
// A session token is an opaque, client-supplied identity; everything the
// coordinator knows about a client hangs off its token here.
package client

import (
	"sync"

	"github.com/odvcencio/preflight/pkg/origin"
)

// Token is the opaque per-client session identity.
type Token string

// DisconnectCallback runs when a session is cleaned up. It may be invoked
// from any goroutine; receivers must dispatch to their own control context.
type DisconnectCallback func(token Token)

// Record holds all per-session state. Copies returned by Manager are
// immutable snapshots; mutation goes through Manager setters only.
type Record struct {
	Token       Token
	UID         int
	PackageName string

	CanUseHiddenTab          bool
	IgnoreURLFragments       bool
	AllowParallelRequest     bool
	AllowResourcePrefetch    bool
	ShouldGetPageLoadMetrics bool
	SpeculateOnCellular      bool

	DefaultReferrer string
}

type sessionState struct {
	record          Record
	onDisconnect    DisconnectCallback
	verifiedOrigins map[origin.Origin]struct{}
}

// Manager is the session registry. Safe for concurrent use; lookups return
// snapshots so readers never observe torn state.
type Manager struct {
	mu       sync.Mutex
	sessions map[Token]*sessionState

	// uids that called warmup at least once, kept for telemetry parity
	// even after their sessions are gone.
	warmupUIDs map[int]struct{}
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions:   make(map[Token]*sessionState),
		warmupUIDs: make(map[int]struct{}),
	}
}

// NewSession registers token for the given process identity. An empty token
// fails. Re-registering an existing token updates its disconnect callback
// and identity without resetting flags.
func (m *Manager) NewSession(token Token, uid int, packageName string, onDisconnect DisconnectCallback) bool {
	if token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[token]; ok {
		existing.onDisconnect = onDisconnect
		existing.record.UID = uid
		if packageName != "" {
			existing.record.PackageName = packageName
		}
		return true
	}

	m.sessions[token] = &sessionState{
		record: Record{
			Token:       token,
			UID:         uid,
			PackageName: packageName,
		},
		onDisconnect:    onDisconnect,
		verifiedOrigins: make(map[origin.Origin]struct{}),
	}
	return true
}

// GetSession returns a snapshot of the session record.
func (m *Manager) GetSession(token Token) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[token]
	if !ok {
		return Record{}, false
	}
	return state.record, true
}

// CleanupSession removes the session and fires its disconnect callback.
// Idempotent; unknown tokens are ignored. Safe to call from any goroutine.
func (m *Manager) CleanupSession(token Token) {
	m.mu.Lock()
	state, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	// Callback runs outside the lock so it may re-enter the manager.
	if ok && state.onDisconnect != nil {
		state.onDisconnect(token)
	}
}

// CleanupAll removes every session, firing each disconnect callback.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, state := range m.sessions {
		states = append(states, state)
	}
	m.sessions = make(map[Token]*sessionState)
	m.mu.Unlock()

	for _, state := range states {
		if state.onDisconnect != nil {
			state.onDisconnect(state.record.Token)
		}
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Tokens returns a snapshot of all live session tokens.
func (m *Manager) Tokens() []Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]Token, 0, len(m.sessions))
	for token := range m.sessions {
		tokens = append(tokens, token)
	}
	return tokens
}

// mutate applies fn to the session's record under lock. Returns false for
// unknown tokens, making every setter a no-op in that case.
func (m *Manager) mutate(token Token, fn func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[token]
	if !ok {
		return false
	}
	fn(&state.record)
	return true
}

// SetCanUseHiddenTab toggles hidden-tab speculation for the session.
func (m *Manager) SetCanUseHiddenTab(token Token, value bool) bool {
	return m.mutate(token, func(r *Record) { r.CanUseHiddenTab = value })
}

// SetIgnoreURLFragments controls fragment matching for the session's
// speculations.
func (m *Manager) SetIgnoreURLFragments(token Token, value bool) bool {
	return m.mutate(token, func(r *Record) { r.IgnoreURLFragments = value })
}

// SetAllowParallelRequest toggles detached parallel requests.
func (m *Manager) SetAllowParallelRequest(token Token, value bool) bool {
	return m.mutate(token, func(r *Record) { r.AllowParallelRequest = value })
}

// SetAllowResourcePrefetch toggles detached resource prefetch.
func (m *Manager) SetAllowResourcePrefetch(token Token, value bool) bool {
	return m.mutate(token, func(r *Record) { r.AllowResourcePrefetch = value })
}

// SetShouldGetPageLoadMetrics toggles page load metrics delivery.
func (m *Manager) SetShouldGetPageLoadMetrics(token Token, value bool) bool {
	return m.mutate(token, func(r *Record) { r.ShouldGetPageLoadMetrics = value })
}

// SetSpeculateOnCellular lets the session bypass throttling, matching
// clients that explicitly opt into speculation on metered connections.
func (m *Manager) SetSpeculateOnCellular(token Token, value bool) bool {
	return m.mutate(token, func(r *Record) { r.SpeculateOnCellular = value })
}

// SetDefaultReferrer sets the referrer used when a launch request carries
// none.
func (m *Manager) SetDefaultReferrer(token Token, referrer string) bool {
	return m.mutate(token, func(r *Record) { r.DefaultReferrer = referrer })
}

// AddVerifiedOrigin records a verified origin for the session. Populated by
// the origin verification pipeline, never directly by the client.
func (m *Manager) AddVerifiedOrigin(token Token, o origin.Origin) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[token]
	if !ok {
		return false
	}
	state.verifiedOrigins[o] = struct{}{}
	return true
}

// IsFirstPartyOrigin reports whether the session may act as the given
// origin, consulting the per-session verified set first and the verifier as
// a fallback.
func (m *Manager) IsFirstPartyOrigin(token Token, o origin.Origin, verifier origin.Verifier) bool {
	m.mu.Lock()
	state, ok := m.sessions[token]
	var packageName string
	if ok {
		if _, verified := state.verifiedOrigins[o]; verified {
			m.mu.Unlock()
			return true
		}
		packageName = state.record.PackageName
	}
	m.mu.Unlock()

	if !ok || verifier == nil || packageName == "" {
		return false
	}
	return verifier.IsVerified(packageName, o)
}

// RecordUIDCalledWarmup notes that uid called warmup at least once.
func (m *Manager) RecordUIDCalledWarmup(uid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmupUIDs[uid] = struct{}{}
}

// UIDCalledWarmup reports whether uid ever called warmup.
func (m *Manager) UIDCalledWarmup(uid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.warmupUIDs[uid]
	return ok
}
