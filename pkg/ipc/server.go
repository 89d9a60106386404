// Package ipc hosts the JSON/HTTP + WebSocket surface that client apps use
// to talk to a running coordinator. Every endpoint maps onto one coordinator
// operation; callers are untrusted, so request bodies are size-capped and
// validated at the boundary.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/preflight/pkg/client"
	"github.com/odvcencio/preflight/pkg/config"
	"github.com/odvcencio/preflight/pkg/coordinator"
	"github.com/odvcencio/preflight/pkg/detached"
	preflighterrors "github.com/odvcencio/preflight/pkg/errors"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/logging"
	"github.com/odvcencio/preflight/pkg/msgchannel"
	"github.com/odvcencio/preflight/pkg/origin"
	"github.com/odvcencio/preflight/pkg/telemetry"
)

type newSessionRequest struct {
	Token       string `json:"token"`
	UID         int    `json:"uid"`
	PackageName string `json:"packageName"`
}

type warmupRequest struct {
	UID int `json:"uid"`
}

type mayLaunchURLRequest struct {
	URL           string   `json:"url"`
	Referrer      string   `json:"referrer,omitempty"`
	CandidateURLs []string `json:"candidateUrls,omitempty"`
}

type sessionFlagsRequest struct {
	CanUseHiddenTab          *bool   `json:"canUseHiddenTab,omitempty"`
	IgnoreURLFragments       *bool   `json:"ignoreUrlFragments,omitempty"`
	AllowParallelRequest     *bool   `json:"allowParallelRequest,omitempty"`
	AllowResourcePrefetch    *bool   `json:"allowResourcePrefetch,omitempty"`
	ShouldGetPageLoadMetrics *bool   `json:"shouldGetPageLoadMetrics,omitempty"`
	SpeculateOnCellular      *bool   `json:"speculateOnCellular,omitempty"`
	DefaultReferrer          *string `json:"defaultReferrer,omitempty"`
}

type postMessageChannelRequest struct {
	TargetOrigin string `json:"targetOrigin,omitempty"`
}

type postMessageRequest struct {
	Message string `json:"message"`
}

type parallelRequestBody struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer"`
}

type prefetchRequest struct {
	URLs     []string `json:"urls"`
	Referrer string   `json:"referrer"`
}

type uidRequest struct {
	UID int `json:"uid"`
}

type verifiedOriginRequest struct {
	Origin string `json:"origin"`
}

// Server exposes a Coordinator over HTTP.
type Server struct {
	cfg          config.IPCConfig
	coord        *coordinator.Coordinator
	hub          *events.Hub
	logger       *logging.Logger
	stream       *EventStream
	eventLimiter *streamLimiter
	httpServer   *http.Server
}

// NewServer constructs a server for coord. hub feeds the WebSocket event
// stream.
func NewServer(cfg config.IPCConfig, coord *coordinator.Coordinator, hub *events.Hub, logger *logging.Logger) *Server {
	if cfg.Bind == "" {
		cfg.Bind = config.DefaultIPCBind
	}
	maxClients := cfg.MaxEventClients
	if maxClients <= 0 {
		maxClients = config.DefaultMaxEventClients
	}
	s := &Server{
		cfg:          cfg,
		coord:        coord,
		hub:          hub,
		logger:       logger,
		eventLimiter: newStreamLimiter(maxClients),
	}
	s.stream = NewEventStream(hub, s.authorize, cfg.AllowedOrigins)
	return s
}

// Start binds the listener and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return preflighterrors.Wrap(err, preflighterrors.ErrCodeIPCBind,
			fmt.Sprintf("bind %s", s.cfg.Bind))
	}

	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.logger != nil {
		_ = s.logger.Info(logging.CategoryIPC, "listening", s.cfg.Bind, nil)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.cfg.Bind }

func (s *Server) router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/events", s.handleEventStream)

	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/warmup", s.handleWarmup)
		r.Post("/cleanup", s.handleCleanupAll)
		r.Get("/speculation", s.handleSpeculation)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleNewSession)
			r.Route("/{token}", func(r chi.Router) {
				r.Delete("/", s.handleCleanupSession)
				r.Put("/flags", s.handleSessionFlags)
				r.Post("/may-launch-url", s.handleMayLaunchURL)
				r.Post("/message-channel", s.handleRequestPostMessageChannel)
				r.Post("/messages", s.handlePostMessage)
				r.Post("/parallel-request", s.handleParallelRequest)
				r.Post("/prefetch", s.handlePrefetch)
				r.Post("/verified-origins", s.handleAddVerifiedOrigin)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/ban", s.handleBan)
			r.Post("/reset-throttling", s.handleResetThrottling)
		})
	})

	return router
}

// authorize checks the bearer token when one is configured.
func (s *Server) authorize(r *http.Request) error {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token == s.cfg.AuthToken {
		return nil
	}
	// WebSocket clients can't set headers from browsers; accept a query
	// parameter as a fallback.
	if r.URL.Query().Get("token") == s.cfg.AuthToken && s.cfg.AuthToken != "" {
		return nil
	}
	return errors.New("unauthorized")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorize(r); err != nil {
			telemetry.IPCRequests.WithLabelValues(r.URL.Path, "unauthorized").Inc()
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{
		"status":   "ok",
		"sessions": s.coord.SessionCount(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublicMetrics {
		if err := s.authorize(r); err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
	}
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.eventLimiter.Acquire() {
		respondError(w, http.StatusTooManyRequests, errors.New("too many event stream connections"))
		return
	}
	s.stream.HandleWebSocket(w, r, s.eventLimiter.Release)
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	ok := s.coord.NewSession(client.Token(req.Token), req.UID, req.PackageName, nil)
	s.countRequest(r, ok)
	respondJSON(w, map[string]any{"success": ok})
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	s.coord.CleanupSession(token)
	s.countRequest(r, true)
	respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleCleanupAll(w http.ResponseWriter, r *http.Request) {
	s.coord.CleanupAll()
	s.countRequest(r, true)
	respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	ok := s.coord.Warmup(r.Context(), req.UID)
	s.countRequest(r, ok)
	respondJSON(w, map[string]any{"success": ok})
}

func (s *Server) handleMayLaunchURL(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req mayLaunchURLRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	ok := s.coord.MayLaunchURL(r.Context(), token, req.URL, coordinator.LaunchParams{
		Referrer:      req.Referrer,
		CandidateURLs: req.CandidateURLs,
	})
	s.countRequest(r, ok)
	respondJSON(w, map[string]any{"success": ok})
}

func (s *Server) handleSessionFlags(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req sessionFlagsRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}

	ok := true
	apply := func(result bool) { ok = ok && result }
	if req.CanUseHiddenTab != nil {
		apply(s.coord.SetCanUseHiddenTab(token, *req.CanUseHiddenTab))
	}
	if req.IgnoreURLFragments != nil {
		apply(s.coord.SetIgnoreURLFragments(token, *req.IgnoreURLFragments))
	}
	if req.AllowParallelRequest != nil {
		apply(s.coord.SetAllowParallelRequest(token, *req.AllowParallelRequest))
	}
	if req.AllowResourcePrefetch != nil {
		apply(s.coord.SetAllowResourcePrefetch(token, *req.AllowResourcePrefetch))
	}
	if req.ShouldGetPageLoadMetrics != nil {
		apply(s.coord.SetShouldGetPageLoadMetrics(token, *req.ShouldGetPageLoadMetrics))
	}
	if req.SpeculateOnCellular != nil {
		apply(s.coord.SetSpeculateOnCellular(token, *req.SpeculateOnCellular))
	}
	if req.DefaultReferrer != nil {
		apply(s.coord.SetDefaultReferrer(token, *req.DefaultReferrer))
	}
	s.countRequest(r, ok)
	respondJSON(w, map[string]any{"success": ok})
}

func (s *Server) handleRequestPostMessageChannel(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req postMessageChannelRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	ok := s.coord.RequestPostMessageChannel(token, req.TargetOrigin)
	s.countRequest(r, ok)
	respondJSON(w, map[string]any{"success": ok})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req postMessageRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	status := s.coord.PostMessage(token, req.Message)
	s.countRequest(r, status == msgchannel.StatusSuccess)
	respondJSON(w, map[string]any{
		"success": status == msgchannel.StatusSuccess,
		"status":  status.String(),
	})
}

func (s *Server) handleParallelRequest(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req parallelRequestBody
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	status := s.coord.HandleParallelRequest(r.Context(), token, detached.Request{
		URL:      req.URL,
		Referrer: req.Referrer,
	})
	s.countRequest(r, status == detached.StatusSuccess)
	respondJSON(w, map[string]any{
		"success": status == detached.StatusSuccess,
		"status":  status.String(),
	})
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req prefetchRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	count := s.coord.MaybePrefetchResources(r.Context(), token, req.URLs, req.Referrer)
	s.countRequest(r, count > 0)
	respondJSON(w, map[string]any{"accepted": count})
}

func (s *Server) handleAddVerifiedOrigin(w http.ResponseWriter, r *http.Request) {
	token := client.Token(chi.URLParam(r, "token"))
	var req verifiedOriginRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	o, ok := origin.Parse(req.Origin)
	if !ok {
		respondError(w, http.StatusBadRequest,
			preflighterrors.New(preflighterrors.ErrCodeInvalidInput, fmt.Sprintf("invalid origin %q", req.Origin)))
		return
	}
	added := s.coord.AddVerifiedOrigin(token, o)
	s.countRequest(r, added)
	respondJSON(w, map[string]any{"success": added})
}

func (s *Server) handleSpeculation(w http.ResponseWriter, r *http.Request) {
	spec, live := s.coord.CurrentSpeculation()
	s.countRequest(r, true)
	if !live {
		respondJSON(w, map[string]any{"live": false})
		return
	}
	respondJSON(w, map[string]any{
		"live":       true,
		"token":      string(spec.Token),
		"url":        spec.URL,
		"generation": spec.Generation,
	})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req uidRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	s.coord.BanUID(req.UID)
	s.countRequest(r, true)
	respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleResetThrottling(w http.ResponseWriter, r *http.Request) {
	var req uidRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	s.coord.ResetThrottlingForUID(req.UID)
	s.countRequest(r, true)
	respondJSON(w, map[string]any{"success": true})
}

func (s *Server) countRequest(r *http.Request, success bool) {
	status := "ok"
	if !success {
		status = "rejected"
	}
	telemetry.IPCRequests.WithLabelValues(r.URL.Path, status).Inc()
}
