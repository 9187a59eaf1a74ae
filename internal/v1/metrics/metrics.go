package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat core.
//
// Naming convention: namespace_subsystem_name
// - namespace: chat_core
// - subsystem: websocket, message, room, replay, presence, safety
//
// Metric Types:
// - Gauge: current state (connections, sessions, rooms)
// - Counter: cumulative events (frames processed, persist failures)
// - Histogram: latency distributions (frame processing, heartbeat RTT)

var (
	// ActiveConnections tracks the current number of open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of users with at least one socket.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of user sessions with at least one socket",
	})

	// ActiveRooms tracks the current number of rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms",
	})

	// FramesProcessed counts inbound frames by type and outcome.
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"frame_type", "status"})

	// FrameProcessingDuration tracks router dispatch latency per frame type.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat_core",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})

	// HeartbeatRTT tracks ping/pong round-trip times.
	HeartbeatRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chat_core",
		Subsystem: "websocket",
		Name:      "heartbeat_rtt_seconds",
		Help:      "Heartbeat ping/pong round-trip time",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
	})

	// MessagesPersisted counts message persist attempts by kind and outcome.
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "message",
		Name:      "persisted_total",
		Help:      "Total message persist attempts",
	}, []string{"kind", "status"})

	// MessagesReplayed counts messages replayed to reconnecting clients.
	MessagesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "replay",
		Name:      "messages_total",
		Help:      "Total messages replayed to reconnecting clients",
	})

	// FramesDropped counts outbound frames shed under backpressure.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "safety",
		Name:      "frames_dropped_total",
		Help:      "Total outbound frames dropped or failed under backpressure",
	}, []string{"decision"})

	// RateLimitViolations counts limiter rejections by limiter kind.
	RateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "safety",
		Name:      "rate_limit_violations_total",
		Help:      "Total rate limiter rejections",
	}, []string{"limiter"})

	// CircuitBreakerState reports the breaker state per backend (0 closed,
	// 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "safety",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "safety",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"backend"})

	// PresenceTransitions counts presence status changes.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Total presence status transitions",
	}, []string{"status"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
