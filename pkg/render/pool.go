// Package render is the coordinator's view of the rendering pipeline. The
// Pool stands in for the real renderer process manager: it allocates
// speculative and spare render slots, tracks preconnected hosts, and carries
// client messages into pages. The coordinator only ever touches it through
// the speculation.RenderProvider and msgchannel.PageSink contracts, so a real
// browser backend can replace it without touching the core.
package render

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/preflight/pkg/client"
	"github.com/odvcencio/preflight/pkg/speculation"
)

var (
	// ErrUnknownHandle is returned when adopting a handle the pool no
	// longer owns.
	ErrUnknownHandle = errors.New("render: unknown or already released handle")

	// ErrNoContent is returned when posting a message for a session with no
	// bound page.
	ErrNoContent = errors.New("render: no page bound for session")
)

// Renderer is one allocated render slot.
type Renderer struct {
	id        string
	url       string
	referrer  string
	createdAt time.Time
}

// ID implements speculation.RenderHandle.
func (r *Renderer) ID() string { return r.id }

// URL returns the navigation target the slot was created for; empty for
// spares.
func (r *Renderer) URL() string { return r.url }

// Pool allocates render slots and keeps at most spareTarget warm spares.
type Pool struct {
	mu          sync.Mutex
	spareTarget int
	spares      int
	live        map[string]*Renderer
	preconnects map[string]int
	pages       map[client.Token][]string // messages delivered into pages
}

// NewPool creates a Pool keeping up to spareTarget spare renderers warm.
func NewPool(spareTarget int) *Pool {
	if spareTarget < 1 {
		spareTarget = 1
	}
	return &Pool{
		spareTarget: spareTarget,
		live:        make(map[string]*Renderer),
		preconnects: make(map[string]int),
		pages:       make(map[client.Token][]string),
	}
}

// CreateSpeculative allocates a slot pre-navigated to url. A warm spare is
// consumed when one is available.
func (p *Pool) CreateSpeculative(ctx context.Context, url, referrer string) (speculation.RenderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Renderer{
		id:        uuid.NewString(),
		url:       url,
		referrer:  referrer,
		createdAt: time.Now(),
	}
	p.mu.Lock()
	if p.spares > 0 {
		p.spares--
	}
	p.live[r.id] = r
	p.mu.Unlock()
	return r, nil
}

// CreateSpare warms a renderer with no navigation target. A no-op once the
// pool is full.
func (p *Pool) CreateSpare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.spares < p.spareTarget {
		p.spares++
	}
	p.mu.Unlock()
	return nil
}

// Preconnect records a preconnect hint for url's host.
func (p *Pool) Preconnect(url string) {
	p.mu.Lock()
	p.preconnects[url]++
	p.mu.Unlock()
}

// Adopt hands the slot over to a visible tab. The pool stops tracking it.
func (p *Pool) Adopt(handle speculation.RenderHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[handle.ID()]; !ok {
		return ErrUnknownHandle
	}
	delete(p.live, handle.ID())
	return nil
}

// Destroy releases the slot. Unknown handles are ignored; teardown races
// with renderer death are expected.
func (p *Pool) Destroy(handle speculation.RenderHandle) {
	p.mu.Lock()
	delete(p.live, handle.ID())
	p.mu.Unlock()
}

// PostMessageToPage implements msgchannel.PageSink.
func (p *Pool) PostMessageToPage(token client.Token, message string) error {
	p.mu.Lock()
	p.pages[token] = append(p.pages[token], message)
	p.mu.Unlock()
	return nil
}

// SpareCount reports the number of warm spares.
func (p *Pool) SpareCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spares
}

// LiveCount reports the number of allocated speculative slots.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// PreconnectCount reports how often url was preconnect-hinted.
func (p *Pool) PreconnectCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preconnects[url]
}

// PageMessages returns the messages delivered into token's page.
func (p *Pool) PageMessages(token client.Token) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pages[token]...)
}
