package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics

	// PoolMessagesProcessed tracks total messages processed by pool
	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by dispatch pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, rate_limited
	)

	// PoolProcessingDuration tracks message processing duration
	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchrouter",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolActiveWorkers tracks number of active workers
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of active workers in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks queue depth (pending messages)
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of messages pending in the pool queue",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits tracks available concurrency permits
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	// MediatorHTTPRequests tracks HTTP requests made by the mediator
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// MediatorHTTPDuration tracks HTTP request duration
	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchrouter",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	MediatorCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "mediator",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerTrips tracks circuit breaker trip events
	MediatorCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// Queue metrics

	// QueueMessagesPublished tracks messages published to queue
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to queue",
		},
		[]string{"queue_type"}, // nats, sqs
	)

	// QueueMessagesConsumed tracks messages consumed from queue
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from queue",
		},
		[]string{"queue_type"}, // nats, sqs
	)

	// QueuePublishErrors tracks queue publish errors
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// Consumer health metrics

	// ConsumerRestarts tracks consumer restart attempts
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restart attempts due to stall detection",
		},
	)

	// ConsumerStallEvents tracks consumer stall events
	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Standby / leader election metrics

	// StandbyRole tracks the active/standby role of this instance.
	// 0 = standby, 1 = primary
	StandbyRole = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "standby",
			Name:      "role",
			Help:      "Instance role (0=standby, 1=primary)",
		},
	)

	// StandbyLockRefreshFailures tracks failed lock refresh/acquire attempts
	StandbyLockRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "standby",
			Name:      "lock_refresh_failures_total",
			Help:      "Total failed leader-lock refresh or acquire attempts",
		},
	)

	// Admission metrics

	// AdmissionDuplicatesRejected tracks messages rejected as in-flight duplicates
	AdmissionDuplicatesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "admission",
			Name:      "duplicates_rejected_total",
			Help:      "Total messages rejected as already in-flight",
		},
	)

	// AdmissionStandbyRejected tracks messages rejected because this instance is standby
	AdmissionStandbyRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "admission",
			Name:      "standby_rejected_total",
			Help:      "Total messages rejected because this instance is not primary",
		},
	)

	// PipelineMapSize tracks the number of messages currently admitted but not finalised
	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "admission",
			Name:      "in_flight_messages",
			Help:      "Number of messages currently in flight (admitted, not yet finalised)",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchrouter",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchrouter",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPActiveConnections tracks active HTTP connections
	HTTPActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatchrouter",
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "Number of active HTTP connections",
		},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
