// Package detached validates and dispatches detached network requests:
// fetches issued on behalf of a client session without any visible tab
// attached. Validation covers session flags, fetchable schemes, and
// first-party referrer checks; the network work itself runs asynchronously
// and reports back through the event hub.
package detached

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/preflight/pkg/client"
	preflighterrors "github.com/odvcencio/preflight/pkg/errors"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/origin"
	"github.com/odvcencio/preflight/pkg/telemetry"
)

// Status is the synchronous validation outcome of a parallel request.
type Status int

const (
	StatusNoRequest Status = iota
	StatusSuccess
	StatusFailureNotInitialized
	StatusFailureSessionDisallowed
	StatusFailureInvalidURL
	StatusFailureInvalidReferrer
	StatusFailureInvalidReferrerForSession
)

func (s Status) String() string {
	switch s {
	case StatusNoRequest:
		return "no_request"
	case StatusSuccess:
		return "success"
	case StatusFailureNotInitialized:
		return "failure_not_initialized"
	case StatusFailureSessionDisallowed:
		return "failure_session_disallowed"
	case StatusFailureInvalidURL:
		return "failure_invalid_url"
	case StatusFailureInvalidReferrer:
		return "failure_invalid_referrer"
	case StatusFailureInvalidReferrerForSession:
		return "failure_invalid_referrer_for_session"
	default:
		return "unknown"
	}
}

// Request carries the parameters of one parallel request, validated at the
// boundary.
type Request struct {
	URL      string
	Referrer string
}

// Fetcher performs the actual detached network fetch and returns a network
// result code. Implementations must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, referrer string) (int, error)
}

// HTTPFetcher is the production Fetcher backed by net/http. Detached fetches
// carry the validated referrer and never follow the response body anywhere;
// only the status code matters.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a Fetcher with the given per-request timeout.
// userAgent may be empty to use net/http's default.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, referrer string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if referrer != "" {
		req.Header.Set("Referer", referrer)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// SessionSource is the slice of the session registry the validator needs.
type SessionSource interface {
	GetSession(token client.Token) (client.Record, bool)
	IsFirstPartyOrigin(token client.Token, o origin.Origin, verifier origin.Verifier) bool
}

// Validator checks parallel requests against session policy and dispatches
// the accepted ones.
type Validator struct {
	sessions SessionSource
	verifier origin.Verifier
	fetcher  Fetcher
	hub      *events.Hub
}

// NewValidator constructs a Validator. hub may be nil when no notifications
// are wanted.
func NewValidator(sessions SessionSource, verifier origin.Verifier, fetcher Fetcher, hub *events.Hub) *Validator {
	return &Validator{
		sessions: sessions,
		verifier: verifier,
		fetcher:  fetcher,
		hub:      hub,
	}
}

// fetchableScheme reports whether a URL can be the target of a detached
// fetch. Unlike speculation targets, bare and browser-internal schemes are
// not fetchable.
func fetchableScheme(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	default:
		return false
	}
}

// HandleParallelRequest validates req for token and, on success, issues the
// detached fetch. The returned Status is the synchronous admission decision;
// the requested notification fires with that status, and for accepted
// requests exactly one completed notification follows with the network
// result.
func (v *Validator) HandleParallelRequest(ctx context.Context, token client.Token, req Request) Status {
	status := v.validate(token, req)

	telemetry.DetachedRequests.WithLabelValues(status.String()).Inc()
	v.publish(events.EventDetachedRequested, token, map[string]any{
		"url":    req.URL,
		"status": status.String(),
	})

	if status == StatusSuccess {
		v.dispatch(ctx, token, req.URL, req.Referrer)
	}
	return status
}

func (v *Validator) validate(token client.Token, req Request) Status {
	rec, ok := v.sessions.GetSession(token)
	if !ok {
		return StatusFailureNotInitialized
	}
	if req.URL == "" {
		return StatusNoRequest
	}
	if !rec.AllowParallelRequest {
		return StatusFailureSessionDisallowed
	}
	if !fetchableScheme(req.URL) {
		return StatusFailureInvalidURL
	}
	refOrigin, ok := origin.Parse(req.Referrer)
	if !ok {
		return StatusFailureInvalidReferrer
	}
	if !v.sessions.IsFirstPartyOrigin(token, refOrigin, v.verifier) {
		return StatusFailureInvalidReferrerForSession
	}
	return StatusSuccess
}

// MaybePrefetchResources issues detached fetches for the fetchable subset of
// urls. Returns 0 when the session disallows prefetch or the referrer is not
// verified; invalid entries are dropped silently, valid ones proceed.
func (v *Validator) MaybePrefetchResources(ctx context.Context, token client.Token, urls []string, referrer string) int {
	rec, ok := v.sessions.GetSession(token)
	if !ok || !rec.AllowResourcePrefetch {
		return 0
	}
	refOrigin, ok := origin.Parse(referrer)
	if !ok || !v.sessions.IsFirstPartyOrigin(token, refOrigin, v.verifier) {
		return 0
	}

	accepted := 0
	for _, raw := range urls {
		if !fetchableScheme(raw) {
			continue
		}
		v.publish(events.EventDetachedRequested, token, map[string]any{
			"url":    raw,
			"status": StatusSuccess.String(),
		})
		v.dispatch(ctx, token, raw, referrer)
		accepted++
	}
	telemetry.DetachedRequests.WithLabelValues(StatusSuccess.String()).Add(float64(accepted))
	return accepted
}

// dispatch runs the fetch off the control path and reports the terminal
// result exactly once. An accepted fetch outlives the caller's IPC request,
// so it runs on a context detached from the caller's cancellation; the
// fetcher's own timeout still bounds it.
func (v *Validator) dispatch(ctx context.Context, token client.Token, rawURL, referrer string) {
	fetchCtx := context.WithoutCancel(ctx)
	go func() {
		start := time.Now()
		code, err := v.fetcher.Fetch(fetchCtx, rawURL, referrer)
		telemetry.DetachedFetchLatency.Observe(time.Since(start).Seconds())

		data := map[string]any{
			"url":        rawURL,
			"net_result": code,
		}
		if err != nil {
			wrapped := preflighterrors.Wrap(err, preflighterrors.ErrCodeDetachedFetch, "detached fetch")
			data["error"] = wrapped.Error()
		}
		v.publish(events.EventDetachedCompleted, token, data)
	}()
}

func (v *Validator) publish(eventType events.EventType, token client.Token, data map[string]any) {
	if v.hub == nil {
		return
	}
	v.hub.Publish(events.Event{
		Type:  eventType,
		Token: string(token),
		Data:  data,
	})
}
