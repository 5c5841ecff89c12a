// Package metrics provides Prometheus metrics for monitoring the run
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsDequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_runs_dequeued_total",
			Help: "Total number of runs claimed from worker queues",
		},
		[]string{"worker_queue", "outcome"},
	)
	SnapshotsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_snapshots_created_total",
			Help: "Total number of execution snapshots created by status",
		},
		[]string{"execution_status"},
	)
	AttemptsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_attempts_completed_total",
			Help: "Total number of attempt completions by result",
		},
		[]string{"status"},
	)
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runforge_attempt_duration_seconds",
			Help:    "Attempt execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)
	WaitpointsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_waitpoints_completed_total",
			Help: "Total number of waitpoints completed",
		},
		[]string{"type"},
	)
	RunsContinued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_runs_continued_total",
			Help: "Total number of continue-if-unblocked outcomes",
		},
		[]string{"outcome"},
	)
	HeartbeatTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_heartbeat_timeouts_total",
			Help: "Total number of heartbeat deadlines that fired",
		},
		[]string{"execution_status"},
	)
	ReleaseTokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runforge_release_tokens_consumed_total",
			Help: "Total number of release queue tokens consumed",
		},
	)
	ReleaseTokensReturned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runforge_release_tokens_returned_total",
			Help: "Total number of release queue tokens returned unused",
		},
	)
	RunsExecuting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runforge_runs_executing",
			Help: "Current number of runs holding an execution slot per environment",
		},
		[]string{"environment_id"},
	)
	RunsInQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runforge_runs_in_queue",
			Help: "Current number of pending runs per worker queue",
		},
		[]string{"worker_queue"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRunDequeued(workerQueue, outcome string) {
	RunsDequeued.WithLabelValues(workerQueue, outcome).Inc()
}

func RecordSnapshotCreated(executionStatus string) {
	SnapshotsCreated.WithLabelValues(executionStatus).Inc()
}

func RecordAttemptCompleted(status string, duration time.Duration) {
	AttemptsCompleted.WithLabelValues(status).Inc()
	AttemptDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordWaitpointCompleted(waitpointType string) {
	WaitpointsCompleted.WithLabelValues(waitpointType).Inc()
}

func RecordRunContinued(outcome string) {
	RunsContinued.WithLabelValues(outcome).Inc()
}

func RecordHeartbeatTimeout(executionStatus string) {
	HeartbeatTimeouts.WithLabelValues(executionStatus).Inc()
}

func RecordReleaseTokenConsumed() {
	ReleaseTokensConsumed.Inc()
}

func RecordReleaseTokenReturned() {
	ReleaseTokensReturned.Inc()
}

func UpdateRunsExecuting(environmentID string, delta float64) {
	RunsExecuting.WithLabelValues(environmentID).Add(delta)
}

func UpdateQueueDepth(workerQueue string, depth int64) {
	RunsInQueue.WithLabelValues(workerQueue).Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
