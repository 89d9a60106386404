package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "preflight",
			Subsystem: "session",
			Name:      "active_total",
			Help:      "Number of currently registered client sessions",
		},
	)

	SessionRegistrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "session",
			Name:      "registrations_total",
			Help:      "Total number of session registrations",
		},
	)

	SessionCleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "session",
			Name:      "cleanups_total",
			Help:      "Total number of session cleanups",
		},
		[]string{"reason"}, // "disconnect", "shutdown"
	)

	// Warmup metrics
	WarmupCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "warmup",
			Name:      "calls_total",
			Help:      "Total number of warmup calls",
		},
		[]string{"result"}, // "initial", "duplicate"
	)

	// Speculation metrics
	SpeculationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "speculation",
			Name:      "started_total",
			Help:      "Total number of hidden speculations started",
		},
	)

	SpeculationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "speculation",
			Name:      "outcomes_total",
			Help:      "Terminal speculation outcomes by state",
		},
		[]string{"outcome"},
	)

	// Throttle metrics
	ThrottleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "throttle",
			Name:      "decisions_total",
			Help:      "Launch-hint throttle decisions by uid outcome",
		},
		[]string{"decision"}, // "accepted", "rejected", "banned"
	)

	// Messaging metrics
	ChannelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "messaging",
			Name:      "channel_transitions_total",
			Help:      "Message channel state transitions",
		},
		[]string{"to_state"},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "messaging",
			Name:      "messages_posted_total",
			Help:      "Total postMessage attempts by result",
		},
		[]string{"result"}, // "delivered", "buffered", "rejected"
	)

	// Detached request metrics
	DetachedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "detached",
			Name:      "requests_total",
			Help:      "Parallel and detached request validation outcomes",
		},
		[]string{"status"},
	)

	DetachedFetchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "preflight",
			Subsystem: "detached",
			Name:      "fetch_latency_seconds",
			Help:      "Detached fetch latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	// Page load metrics
	PageLoadEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "page_load",
			Name:      "events_total",
			Help:      "Page load lifecycle signals forwarded to sessions",
		},
		[]string{"signal"},
	)

	// IPC metrics
	IPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Total IPC requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	ActiveEventStreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "preflight",
			Subsystem: "event_stream",
			Name:      "connections_active",
			Help:      "Number of currently active event stream WebSocket connections",
		},
	)

	EventStreamBackpressureDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "preflight",
			Subsystem: "event_stream",
			Name:      "backpressure_drops_total",
			Help:      "Total number of events dropped due to backpressure",
		},
	)
)
