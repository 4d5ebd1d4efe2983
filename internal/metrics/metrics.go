// Package metrics exposes the prometheus gauges and counters an operator
// scrapes off /metrics, following the teacher's promauto-vars-plus-Record*-
// helpers shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch/execution metrics
	ExecutionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_executions_dispatched_total",
			Help: "Total number of executions dispatched",
		},
		[]string{"step_name"},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_executions_completed_total",
			Help: "Total number of executions that reached a terminal state",
		},
		[]string{"step_name", "state"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "senpuki_execution_duration_seconds",
			Help:    "End-to-end execution duration from dispatch to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"step_name"},
	)

	// Task metrics
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_tasks_claimed_total",
			Help: "Total number of tasks claimed by a worker",
		},
		[]string{"step_name", "kind"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "senpuki_task_duration_seconds",
			Help:    "Single task attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"step_name"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_task_retries_total",
			Help: "Total number of task retries",
		},
		[]string{"step_name"},
	)

	OrchestratorParks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_orchestrator_parks_total",
			Help: "Total number of times an orchestrator task parked awaiting a durable step",
		},
		[]string{"step_name"},
	)

	// Worker metrics
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "senpuki_active_workers",
			Help: "Current number of running worker pools in this process",
		},
	)

	WorkerClaimLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "senpuki_worker_claim_latency_seconds",
			Help:    "Time between a worker's claim attempt and the task's scheduled_for",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"queue"},
	)

	LeaseRenewalsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_lease_renewals_lost_total",
			Help: "Total number of times a worker lost a task's lease mid-execution",
		},
		[]string{"step_name"},
	)

	// DLQ metrics
	DLQSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "senpuki_dlq_size",
			Help: "Current number of tasks in the dead letter queue",
		},
	)

	DLQAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_dlq_added_total",
			Help: "Total number of tasks dead-lettered",
		},
		[]string{"step_name"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "senpuki_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "senpuki_websocket_connections",
			Help: "Current number of dashboard WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "senpuki_websocket_messages_total",
			Help: "Total number of WebSocket messages broadcast",
		},
		[]string{"kind"},
	)
)

// RecordDispatch records a new execution dispatch.
func RecordDispatch(stepName string) {
	ExecutionsDispatched.WithLabelValues(stepName).Inc()
}

// RecordExecutionTerminal records an execution reaching a terminal state,
// along with its end-to-end duration.
func RecordExecutionTerminal(stepName, state string, duration float64) {
	ExecutionsCompleted.WithLabelValues(stepName, state).Inc()
	ExecutionDuration.WithLabelValues(stepName).Observe(duration)
}

// RecordTaskClaim records a task claim.
func RecordTaskClaim(stepName, kind string) {
	TasksClaimed.WithLabelValues(stepName, kind).Inc()
}

// RecordTaskAttempt records one task attempt's duration.
func RecordTaskAttempt(stepName string, duration float64) {
	TaskDuration.WithLabelValues(stepName).Observe(duration)
}

// RecordTaskRetry records a task being scheduled for retry.
func RecordTaskRetry(stepName string) {
	TaskRetries.WithLabelValues(stepName).Inc()
}

// RecordOrchestratorPark records an orchestrator task parking.
func RecordOrchestratorPark(stepName string) {
	OrchestratorParks.WithLabelValues(stepName).Inc()
}

// RecordLeaseLost records a lease loss.
func RecordLeaseLost(stepName string) {
	LeaseRenewalsLost.WithLabelValues(stepName).Inc()
}

// SetActiveWorkers sets the active workers gauge.
func SetActiveWorkers(count float64) {
	ActiveWorkers.Set(count)
}

// SetDLQSize sets the DLQ size gauge.
func SetDLQSize(size float64) {
	DLQSize.Set(size)
}

// RecordDLQAdded records a task being dead-lettered.
func RecordDLQAdded(stepName string) {
	DLQAdded.WithLabelValues(stepName).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetWebSocketConnections sets the WebSocket connections gauge.
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records a WebSocket message broadcast.
func RecordWebSocketMessage(kind string) {
	WebSocketMessages.WithLabelValues(kind).Inc()
}
