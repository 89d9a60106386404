// Package speculation owns the single hidden-tab resource and its state
// machine. At most one speculation is live system-wide; starting a new one
// always tears down the previous one first, whoever owned it.
package speculation

import (
	"context"
	"sync"

	"github.com/odvcencio/preflight/pkg/client"
	preflighterrors "github.com/odvcencio/preflight/pkg/errors"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/telemetry"
)

// Speculation is an immutable snapshot of the live hidden-tab state.
// Referrer and fragment policy are frozen at creation time.
type Speculation struct {
	Generation      uint64
	Token           client.Token
	URL             string
	Referrer        string
	IgnoreFragments bool
}

type liveSpeculation struct {
	Speculation
	handle RenderHandle
}

// Engine arbitrates the hidden-tab slot. The generation counter makes stale
// handles detectable without relying on object identity.
type Engine struct {
	mu           sync.Mutex
	provider     RenderProvider
	cookies      CookiePolicy
	hub          *events.Hub
	extraSchemes []string
	generation   uint64
	current      *liveSpeculation
}

// NewEngine creates an Engine bound to a render provider and cookie policy.
// hub may be nil when no event delivery is wanted.
func NewEngine(provider RenderProvider, cookies CookiePolicy, hub *events.Hub, extraSchemes []string) *Engine {
	return &Engine{
		provider:     provider,
		cookies:      cookies,
		hub:          hub,
		extraSchemes: extraSchemes,
	}
}

// MaySpeculate reports whether full hidden-tab speculation is currently
// permitted by cookie policy. When blocked, callers fall back to the
// spare-renderer path.
func (e *Engine) MaySpeculate() bool {
	if e.cookies == nil {
		return true
	}
	return !e.cookies.ThirdPartyCookiesBlocked()
}

// Current returns a snapshot of the live speculation, if any.
func (e *Engine) Current() (Speculation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Speculation{}, false
	}
	return e.current.Speculation, true
}

// Speculate starts a new speculation for token targeting url. Any existing
// speculation is superseded first. With useHiddenTab false only a spare
// renderer is warmed and no state is created.
func (e *Engine) Speculate(ctx context.Context, token client.Token, url, referrer string, ignoreFragments, useHiddenTab bool) error {
	if e.provider == nil {
		return ErrProviderUnavailable
	}

	e.mu.Lock()
	dropped := e.takeCurrentLocked()

	if !useHiddenTab {
		e.mu.Unlock()
		e.finish(dropped, StateSuperseded)
		if err := e.provider.CreateSpare(ctx); err != nil {
			return preflighterrors.Wrap(err, preflighterrors.ErrCodeSpeculationLost, "warm spare renderer")
		}
		e.provider.Preconnect(url)
		return nil
	}

	e.generation++
	gen := e.generation
	e.mu.Unlock()
	e.finish(dropped, StateSuperseded)

	handle, err := e.provider.CreateSpeculative(ctx, url, referrer)
	if err != nil {
		return preflighterrors.Wrap(err, preflighterrors.ErrCodeSpeculationLost, "create speculative renderer")
	}

	e.mu.Lock()
	// A concurrent Speculate may have moved the generation on; the older
	// allocation loses and is released.
	if gen < e.generation {
		e.mu.Unlock()
		e.provider.Destroy(handle)
		return nil
	}
	e.current = &liveSpeculation{
		Speculation: Speculation{
			Generation:      gen,
			Token:           token,
			URL:             url,
			Referrer:        referrer,
			IgnoreFragments: ignoreFragments,
		},
		handle: handle,
	}
	e.mu.Unlock()

	e.provider.Preconnect(url)
	telemetry.SpeculationsStarted.Inc()
	e.publish(events.EventSpeculationStarted, token, url, gen)
	return nil
}

// PreWarm preconnects every navigable candidate and warms a spare renderer.
// An empty candidate list is the warmup form: no preconnects, spare only.
// A non-empty list with no navigable entry warms nothing and returns false.
// Never creates speculation state.
func (e *Engine) PreWarm(ctx context.Context, candidates []string) bool {
	if e.provider == nil {
		return false
	}
	usable := len(candidates) == 0
	for _, candidate := range candidates {
		if !IsNavigableURL(candidate, e.extraSchemes) {
			continue
		}
		e.provider.Preconnect(candidate)
		usable = true
	}
	if !usable {
		return false
	}
	_ = e.provider.CreateSpare(ctx)
	return true
}

// CancelFor tears down the live speculation when token owns it.
func (e *Engine) CancelFor(token client.Token) {
	e.mu.Lock()
	if e.current == nil || e.current.Token != token {
		e.mu.Unlock()
		return
	}
	dropped := e.takeCurrentLocked()
	e.mu.Unlock()
	e.finish(dropped, StateCanceled)
}

// CancelAll tears down the live speculation regardless of owner.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	dropped := e.takeCurrentLocked()
	e.mu.Unlock()
	e.finish(dropped, StateCanceled)
}

// TakeIfMatches resolves a real navigation against the live speculation.
// On a hit the render resource is adopted and returned; any miss (owner,
// URL under the frozen fragment policy, or referrer) supersedes the
// speculation and the caller navigates fresh.
func (e *Engine) TakeIfMatches(token client.Token, url, referrer string) (RenderHandle, bool) {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return nil, false
	}

	cur := e.current
	matched := cur.Token == token &&
		urlsMatch(cur.URL, url, cur.IgnoreFragments) &&
		cur.Referrer == referrer
	if !matched {
		dropped := e.takeCurrentLocked()
		e.mu.Unlock()
		e.finish(dropped, StateSuperseded)
		return nil, false
	}

	e.current = nil
	e.mu.Unlock()

	if err := e.provider.Adopt(cur.handle); err != nil {
		// Adoption failing means the renderer died under us.
		e.provider.Destroy(cur.handle)
		telemetry.SpeculationOutcomes.WithLabelValues(StateRendererLost.String()).Inc()
		e.publish(events.EventSpeculationRendererLost, cur.Token, cur.URL, cur.Generation)
		return nil, false
	}

	telemetry.SpeculationOutcomes.WithLabelValues(StateConsumedByNavigation.String()).Inc()
	e.publish(events.EventSpeculationConsumed, cur.Token, cur.URL, cur.Generation)
	return cur.handle, true
}

// OnRendererLost reports that the process backing generation gen died.
// Stale generations are ignored; the live one is discarded silently so a
// pending consumption falls back to a normal navigation.
func (e *Engine) OnRendererLost(gen uint64) {
	e.mu.Lock()
	if e.current == nil || e.current.Generation != gen {
		e.mu.Unlock()
		return
	}
	cur := e.current
	e.current = nil
	e.mu.Unlock()

	e.provider.Destroy(cur.handle)
	telemetry.SpeculationOutcomes.WithLabelValues(StateRendererLost.String()).Inc()
	e.publish(events.EventSpeculationRendererLost, cur.Token, cur.URL, cur.Generation)
}

// takeCurrentLocked detaches the live speculation for teardown by finish.
// Caller holds e.mu.
func (e *Engine) takeCurrentLocked() *liveSpeculation {
	cur := e.current
	e.current = nil
	return cur
}

// finish releases a detached speculation with the given terminal state.
// Must be called without e.mu held; the provider may call back in.
func (e *Engine) finish(cur *liveSpeculation, terminal State) {
	if cur == nil {
		return
	}
	e.provider.Destroy(cur.handle)
	telemetry.SpeculationOutcomes.WithLabelValues(terminal.String()).Inc()
	switch terminal {
	case StateCanceled:
		e.publish(events.EventSpeculationCanceled, cur.Token, cur.URL, cur.Generation)
	default:
		e.publish(events.EventSpeculationSuperseded, cur.Token, cur.URL, cur.Generation)
	}
}

func (e *Engine) publish(eventType events.EventType, token client.Token, url string, gen uint64) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(events.Event{
		Type:  eventType,
		Token: string(token),
		Data: map[string]any{
			"url":        url,
			"generation": gen,
		},
	})
}
