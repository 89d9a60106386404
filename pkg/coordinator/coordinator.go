// Package coordinator wires the session registry, throttler, speculation
// engine, message channels, and detached request validator behind one facade.
// Calls may arrive on any goroutine; every mutation of speculation state is
// marshaled onto a single control goroutine, while registry and throttle
// lookups are served directly off their own locks.
package coordinator

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/preflight/pkg/client"
	"github.com/odvcencio/preflight/pkg/config"
	"github.com/odvcencio/preflight/pkg/detached"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/logging"
	"github.com/odvcencio/preflight/pkg/msgchannel"
	"github.com/odvcencio/preflight/pkg/origin"
	"github.com/odvcencio/preflight/pkg/speculation"
	"github.com/odvcencio/preflight/pkg/telemetry"
	"github.com/odvcencio/preflight/pkg/throttle"
)

// LaunchParams carries the optional parts of a mayLaunchUrl call.
// CandidateURLs holds the low-confidence form: multiple possible targets
// with no distinguished primary.
type LaunchParams struct {
	Referrer      string
	CandidateURLs []string
}

// Options collects the coordinator's collaborators.
type Options struct {
	Sessions  *client.Manager
	Throttler *throttle.Throttler
	Engine    *speculation.Engine
	Channels  *msgchannel.Manager
	Detached  *detached.Validator
	Verifier  origin.Verifier
	Hub       *events.Hub
	Logger    *logging.Logger
	Config    *config.Config
}

// Coordinator is the session and speculation coordinator. Construct with New
// and release with Close.
type Coordinator struct {
	sessions  *client.Manager
	throttler *throttle.Throttler
	engine    *speculation.Engine
	channels  *msgchannel.Manager
	detached  *detached.Validator
	verifier  origin.Verifier
	hub       *events.Hub
	logger    *logging.Logger
	cfg       *config.Config

	control chan func()
	quit    chan struct{}
	done    chan struct{}
	closing sync.Once

	warmupGroup singleflight.Group
	warmupMu    sync.Mutex
	warmedUp    bool
}

// New constructs a Coordinator and starts its control goroutine.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := &Coordinator{
		sessions:  opts.Sessions,
		throttler: opts.Throttler,
		engine:    opts.Engine,
		channels:  opts.Channels,
		detached:  opts.Detached,
		verifier:  opts.Verifier,
		hub:       opts.Hub,
		logger:    opts.Logger,
		cfg:       cfg,
		control:   make(chan func(), 128),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.control:
			fn()
		case <-c.quit:
			// Drain whatever was already queued so cleanups land.
			for {
				select {
				case fn := <-c.control:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post enqueues fn on the control goroutine without waiting.
func (c *Coordinator) post(fn func()) {
	select {
	case c.control <- fn:
	case <-c.quit:
	}
}

// call runs fn on the control goroutine and waits for it to finish. After
// Close, fn runs inline; no concurrent control work exists by then.
func (c *Coordinator) call(fn func()) {
	finished := make(chan struct{})
	select {
	case c.control <- func() { fn(); close(finished) }:
		<-finished
	case <-c.quit:
		fn()
	}
}

// Close stops the control goroutine. Pending queued work is drained first.
func (c *Coordinator) Close() {
	c.closing.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Coordinator) logCall(name string, token client.Token, success bool) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Call(name, string(token), success)
}

// NewSession registers (or re-registers) a session for token. A zero token
// always fails.
func (c *Coordinator) NewSession(token client.Token, uid int, packageName string, onDisconnect client.DisconnectCallback) bool {
	ok := c.sessions.NewSession(token, uid, packageName, onDisconnect)
	if ok {
		telemetry.SessionRegistrations.Inc()
		telemetry.ActiveSessions.Set(float64(c.sessions.SessionCount()))
	}
	c.logCall("newSession", token, ok)
	return ok
}

// CleanupSession removes all state owned by token: its registry record, its
// message channel, and the live speculation if token owns it. Safe to invoke
// from any goroutine, including disconnect watchers.
func (c *Coordinator) CleanupSession(token client.Token) {
	c.call(func() {
		c.engine.CancelFor(token)
		c.channels.Cleanup(token)
		c.sessions.CleanupSession(token)
	})
	telemetry.SessionCleanups.WithLabelValues("disconnect").Inc()
	telemetry.ActiveSessions.Set(float64(c.sessions.SessionCount()))
	c.logCall("cleanUpSession", token, true)
}

// CleanupAll removes every session and tears down all shared state.
func (c *Coordinator) CleanupAll() {
	c.call(func() {
		c.engine.CancelAll()
		for _, token := range c.sessions.Tokens() {
			c.channels.Cleanup(token)
		}
		c.sessions.CleanupAll()
	})
	telemetry.SessionCleanups.WithLabelValues("shutdown").Inc()
	telemetry.ActiveSessions.Set(0)
	c.logCall("cleanupAll", "", true)
}

// Warmup pre-warms shared infrastructure. Idempotent: concurrent calls
// collapse into one, repeat calls return immediately. Every call records the
// uid for later throttle accounting; the completion event broadcasts to all
// sessions exactly once per process.
func (c *Coordinator) Warmup(ctx context.Context, uid int) bool {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.warmup")
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.AttrSessionUID.Int(uid))

	c.sessions.RecordUIDCalledWarmup(uid)

	c.warmupMu.Lock()
	already := c.warmedUp
	c.warmupMu.Unlock()
	if already {
		telemetry.WarmupCalls.WithLabelValues("duplicate").Inc()
		c.logCall("warmup", "", true)
		return true
	}

	// The warming outlives the caller's request; a canceled IPC context
	// must not abort the spare allocation mid-flight.
	warmCtx := context.WithoutCancel(ctx)
	_, _, _ = c.warmupGroup.Do("warmup", func() (any, error) {
		c.call(func() {
			_ = c.engine.PreWarm(warmCtx, nil)
		})
		c.warmupMu.Lock()
		c.warmedUp = true
		c.warmupMu.Unlock()

		if c.hub != nil {
			c.hub.Publish(events.Event{Type: events.EventWarmupCompleted})
		}
		return nil, nil
	})

	telemetry.WarmupCalls.WithLabelValues("initial").Inc()
	c.logCall("warmup", "", true)
	return true
}

// MayLaunchURL handles a launch hint for token. The return value is the
// synchronous admission decision; the speculation side effects complete
// asynchronously on the control goroutine. An empty URL with no candidates
// cancels token's speculation. A non-empty CandidateURLs list is the
// low-confidence form: it only pre-warms, never creates speculation state.
func (c *Coordinator) MayLaunchURL(ctx context.Context, token client.Token, rawURL string, params LaunchParams) bool {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.mayLaunchUrl")
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrSessionToken.String(string(token)),
		telemetry.AttrURL.String(rawURL),
	)

	rec, ok := c.sessions.GetSession(token)
	if !ok {
		c.logCall("mayLaunchUrl", token, false)
		return false
	}

	lowConfidence := len(params.CandidateURLs) > 0
	telemetry.SetAttributes(ctx, telemetry.AttrConfidence.Bool(!lowConfidence))

	// An empty URL with no candidate list withdraws the hint.
	if rawURL == "" && !lowConfidence {
		c.post(func() { c.engine.CancelFor(token) })
		c.logCall("mayLaunchUrl", token, true)
		return true
	}

	extras := c.cfg.Speculation.ExtraSchemes
	if !lowConfidence && !speculation.IsNavigableURL(rawURL, extras) {
		c.logCall("mayLaunchUrl", token, false)
		return false
	}

	// Cellular-override sessions bypass the backoff; a uid-wide ban is an
	// independent gate checked after admission bookkeeping.
	if !rec.SpeculateOnCellular && !c.throttler.Allow(rec.UID) {
		telemetry.ThrottleDecisions.WithLabelValues("rejected").Inc()
		c.logCall("mayLaunchUrl", token, false)
		return false
	}
	if c.throttler.Banned(rec.UID) {
		// Banned uids get a success answer but no render resource.
		telemetry.ThrottleDecisions.WithLabelValues("banned").Inc()
		c.logCall("mayLaunchUrl", token, true)
		return true
	}
	telemetry.ThrottleDecisions.WithLabelValues("accepted").Inc()

	if lowConfidence {
		usable := false
		for _, candidate := range params.CandidateURLs {
			if speculation.IsNavigableURL(candidate, extras) {
				usable = true
				break
			}
		}
		candidates := append([]string(nil), params.CandidateURLs...)
		warmCtx := context.WithoutCancel(ctx)
		c.post(func() { _ = c.engine.PreWarm(warmCtx, candidates) })
		c.logCall("mayLaunchUrl", token, usable)
		return usable
	}

	referrer := params.Referrer
	if referrer == "" {
		referrer = rec.DefaultReferrer
	}
	useHiddenTab := rec.CanUseHiddenTab && c.engine.MaySpeculate()
	ignoreFragments := rec.IgnoreURLFragments

	// The admission decision returns now; the speculation itself runs after
	// the caller's request context is gone, so it must not inherit its
	// cancellation.
	specCtx := context.WithoutCancel(ctx)
	c.post(func() {
		if err := c.engine.Speculate(specCtx, token, rawURL, referrer, ignoreFragments, useHiddenTab); err != nil {
			telemetry.RecordError(specCtx, err)
			if c.logger != nil {
				_ = c.logger.Warn(logging.CategorySpeculation, "speculate_failed", err.Error(), map[string]any{
					"url": rawURL,
				})
			}
		}
	})
	c.logCall("mayLaunchUrl", token, true)
	return true
}

// Per-session setters. Each is a no-op returning false for unknown tokens.

func (c *Coordinator) SetCanUseHiddenTab(token client.Token, value bool) bool {
	ok := c.sessions.SetCanUseHiddenTab(token, value)
	c.logCall("setCanUseHiddenTab", token, ok)
	return ok
}

func (c *Coordinator) SetIgnoreURLFragments(token client.Token, value bool) bool {
	ok := c.sessions.SetIgnoreURLFragments(token, value)
	c.logCall("setIgnoreUrlFragments", token, ok)
	return ok
}

func (c *Coordinator) SetAllowParallelRequest(token client.Token, value bool) bool {
	ok := c.sessions.SetAllowParallelRequest(token, value)
	c.logCall("setAllowParallelRequest", token, ok)
	return ok
}

func (c *Coordinator) SetAllowResourcePrefetch(token client.Token, value bool) bool {
	ok := c.sessions.SetAllowResourcePrefetch(token, value)
	c.logCall("setAllowResourcePrefetch", token, ok)
	return ok
}

func (c *Coordinator) SetShouldGetPageLoadMetrics(token client.Token, value bool) bool {
	ok := c.sessions.SetShouldGetPageLoadMetrics(token, value)
	c.logCall("setShouldGetPageLoadMetrics", token, ok)
	return ok
}

func (c *Coordinator) SetSpeculateOnCellular(token client.Token, value bool) bool {
	ok := c.sessions.SetSpeculateOnCellular(token, value)
	c.logCall("setSpeculateOnCellular", token, ok)
	return ok
}

func (c *Coordinator) SetDefaultReferrer(token client.Token, referrer string) bool {
	ok := c.sessions.SetDefaultReferrer(token, referrer)
	c.logCall("setDefaultReferrer", token, ok)
	return ok
}

// RequestPostMessageChannel opens the messaging handshake for token against
// an optional target origin. Fails for unknown tokens and malformed origins.
func (c *Coordinator) RequestPostMessageChannel(token client.Token, targetOrigin string) bool {
	if _, known := c.sessions.GetSession(token); !known {
		c.logCall("requestPostMessageChannel", token, false)
		return false
	}
	ok := c.channels.Request(token, targetOrigin)
	c.logCall("requestPostMessageChannel", token, ok)
	return ok
}

// PostMessage sends a message into token's bound page.
func (c *Coordinator) PostMessage(token client.Token, message string) msgchannel.PostMessageStatus {
	status := c.channels.PostMessage(token, message)
	c.logCall("postMessage", token, status == msgchannel.StatusSuccess)
	return status
}

// HandleParallelRequest validates and dispatches a detached request.
func (c *Coordinator) HandleParallelRequest(ctx context.Context, token client.Token, req detached.Request) detached.Status {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.handleParallelRequest")
	defer span.End()

	status := c.detached.HandleParallelRequest(ctx, token, req)
	telemetry.SetAttributes(ctx, telemetry.AttrRequestStatus.String(status.String()))
	c.logCall("handleParallelRequest", token, status == detached.StatusSuccess)
	return status
}

// MaybePrefetchResources dispatches detached prefetches for the valid subset
// of urls and returns the accepted count.
func (c *Coordinator) MaybePrefetchResources(ctx context.Context, token client.Token, urls []string, referrer string) int {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.maybePrefetchResources")
	defer span.End()

	count := c.detached.MaybePrefetchResources(ctx, token, urls, referrer)
	c.logCall("maybePrefetchResources", token, count > 0)
	return count
}

// TakeSpeculationIfMatches resolves a real navigation for token against the
// live speculation. Runs on the control goroutine; a hit hands the adopted
// render resource to the caller.
func (c *Coordinator) TakeSpeculationIfMatches(token client.Token, url, referrer string) (speculation.RenderHandle, bool) {
	var (
		handle speculation.RenderHandle
		hit    bool
	)
	c.call(func() {
		handle, hit = c.engine.TakeIfMatches(token, url, referrer)
	})
	return handle, hit
}

// OnRendererLost reports the death of the render process backing the given
// speculation generation. Stale generations are ignored.
func (c *Coordinator) OnRendererLost(generation uint64) {
	c.post(func() { c.engine.OnRendererLost(generation) })
}

// Shell-facing navigation hooks for the messaging channel.

func (c *Coordinator) OnContentBound(token client.Token, docOrigin origin.Origin) {
	c.channels.OnContentBound(token, docOrigin)
}

func (c *Coordinator) OnNavigated(token client.Token, newOrigin origin.Origin) {
	c.channels.OnNavigated(token, newOrigin)
}

func (c *Coordinator) OnContentDestroyed(token client.Token) {
	c.channels.OnContentDestroyed(token)
}

func (c *Coordinator) OnMessageFromPage(token client.Token, message string) {
	c.channels.OnMessageFromPage(token, message)
}

// OnPageLoadMetric forwards a page load timing signal to token's client when
// the session opted in.
func (c *Coordinator) OnPageLoadMetric(token client.Token, signal string, value float64) {
	rec, ok := c.sessions.GetSession(token)
	if !ok || !rec.ShouldGetPageLoadMetrics {
		return
	}
	telemetry.PageLoadEvents.WithLabelValues(signal).Inc()
	if c.hub != nil {
		c.hub.Publish(events.Event{
			Type:  events.EventPageLoadMetrics,
			Token: string(token),
			Data: map[string]any{
				"signal": signal,
				"value":  value,
			},
		})
	}
}

// Administrative throttle hooks.

func (c *Coordinator) BanUID(uid int) { c.throttler.Ban(uid) }

func (c *Coordinator) ResetThrottlingForUID(uid int) { c.throttler.Reset(uid) }

// AddVerifiedOrigin records that token's session may act as origin o.
func (c *Coordinator) AddVerifiedOrigin(token client.Token, o origin.Origin) bool {
	return c.sessions.AddVerifiedOrigin(token, o)
}

// IsFirstPartyOrigin reports whether token's session may act as origin o,
// consulting the session's verified set and the origin verifier.
func (c *Coordinator) IsFirstPartyOrigin(token client.Token, o origin.Origin) bool {
	return c.sessions.IsFirstPartyOrigin(token, o, c.verifier)
}

// CurrentSpeculation exposes the live speculation snapshot for diagnostics.
func (c *Coordinator) CurrentSpeculation() (speculation.Speculation, bool) {
	return c.engine.Current()
}

// SessionCount reports the number of registered sessions.
func (c *Coordinator) SessionCount() int {
	return c.sessions.SessionCount()
}
