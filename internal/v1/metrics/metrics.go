package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime music session platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: music_session (application-level grouping)
// - subsystem: websocket, room, approval, batcher, metronome, bus
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, drops, outcomes)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "music_session",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "music_session",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of users in each room
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "music_session",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of users in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "music_session",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ApprovalOutcomes counts terminal approval-workflow outcomes
	ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "approval",
		Name:      "outcomes_total",
		Help:      "Terminal approval session outcomes (approved, rejected, cancelled, timed_out, abandoned)",
	}, []string{"outcome"})

	// GraceReconnects counts successful reconnects within the grace period
	GraceReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "room",
		Name:      "grace_reconnects_total",
		Help:      "Users restored from the grace-period registry on reconnect",
	})

	// BatcherCoalesced counts messages replaced by a newer message for the same key
	BatcherCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "batcher",
		Name:      "coalesced_total",
		Help:      "Non-critical messages coalesced before flush",
	})

	// BatcherDropped counts messages dropped on queue overflow
	BatcherDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "batcher",
		Name:      "dropped_total",
		Help:      "Messages dropped when the batcher queue overflowed",
	})

	// MetronomeTicks counts emitted metronome ticks
	MetronomeTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "metronome",
		Name:      "ticks_total",
		Help:      "Metronome ticks emitted across all rooms",
	})

	// SubscriberBackpressureDisconnects counts subscribers dropped for slow consumption
	SubscriberBackpressureDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "bus",
		Name:      "backpressure_disconnects_total",
		Help:      "Subscribers disconnected because their send buffer overflowed",
	})

	// CircuitBreakerState tracks the state of circuit breakers (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "music_session",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts operations rejected by an open circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"name"})

	// RateLimitRequests counts requests that passed the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked and allowed by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "music_session",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected because a rate limit was reached",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
