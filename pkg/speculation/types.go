package speculation

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when the render provider cannot
// allocate resources.
var ErrProviderUnavailable = errors.New("render resource provider unavailable")

// State tracks the hidden-tab slot's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateSpeculating
	StateConsumedByNavigation
	StateSuperseded
	StateCanceled
	StateRendererLost
)

// String returns the state name used in events and logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeculating:
		return "speculating"
	case StateConsumedByNavigation:
		return "consumed_by_navigation"
	case StateSuperseded:
		return "superseded"
	case StateCanceled:
		return "canceled"
	case StateRendererLost:
		return "renderer_lost"
	default:
		return "unknown"
	}
}

// RenderHandle is an opaque reference to a speculative render resource.
// Only the engine may hold one; everything else goes through the engine's
// accessors so a torn-down handle can never be used.
type RenderHandle interface {
	// ID distinguishes handles for logging; no other semantics.
	ID() string
}

// RenderProvider allocates and adopts speculative render resources. It is
// the boundary to the actual rendering pipeline, which is out of scope here.
type RenderProvider interface {
	// CreateSpeculative allocates a hidden render resource already
	// navigating to url.
	CreateSpeculative(ctx context.Context, url, referrer string) (RenderHandle, error)

	// CreateSpare pre-warms a renderer process without navigating.
	CreateSpare(ctx context.Context) error

	// Preconnect opens sockets toward url and its likely subresources.
	Preconnect(url string)

	// Adopt transfers the hidden resource into the visible tab being
	// created. After Adopt the handle belongs to the shell.
	Adopt(handle RenderHandle) error

	// Destroy releases a hidden resource that will not be adopted.
	Destroy(handle RenderHandle)
}

// CookiePolicy exposes the cookie-control decision that gates cross-site
// speculative preloads.
type CookiePolicy interface {
	ThirdPartyCookiesBlocked() bool
}
