// Package metrics declares the process-wide Prometheus metrics for the chat
// platform.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: chat (application-level grouping)
//   - subsystem: websocket, room, job, persister, circuit_breaker, rate_limit, redis
//   - name: specific metric (connections_active, dispatch_total, ...)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSocketConnections tracks the current number of live edge connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections on this edge node",
	})

	// ActiveRoomTopics tracks the number of room topics held on this edge,
	// including seeded topics that have no local subscriber yet.
	ActiveRoomTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "room",
		Name:      "topics_active",
		Help:      "Current number of room topics held on this edge, including seeded topics without subscribers",
	})

	// RoomSubscribers tracks local subscriber count per room.
	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "room",
		Name:      "subscribers_count",
		Help:      "Number of locally subscribed users per room",
	}, []string{"room_id"})

	// WebsocketEvents tracks WebSocket frame/envelope handling outcomes.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket envelopes processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks time spent handling a WebSocket envelope.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a WebSocket envelope",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// JobRecordsTotal tracks Job pipeline stage outcomes per record.
	JobRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "job",
		Name:      "records_total",
		Help:      "Total records processed by the Job dispatcher pipeline, by outcome",
	}, []string{"stage", "outcome"})

	// JobFanoutDuration tracks the time spent fanning a record out to edges.
	JobFanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "job",
		Name:      "fanout_duration_seconds",
		Help:      "Time spent resolving routing and invoking BroadcastRoom for one record",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	// PersisterBatchSize tracks how many records were flushed per persister tick.
	PersisterBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "persister",
		Name:      "batch_size",
		Help:      "Number of records flushed to the durable store per persister tick",
		Buckets:   []float64{0, 1, 10, 25, 50, 100, 200},
	})

	// PersisterTicksTotal tracks persister tick outcomes.
	PersisterTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "persister",
		Name:      "ticks_total",
		Help:      "Total persister timer ticks, by outcome",
	}, []string{"outcome"})

	// CircuitBreakerState tracks breaker state per remote dependency.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by an open circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks routing-store operation outcomes.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of routing-store operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks routing-store operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of routing-store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
