package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRunDequeued(t *testing.T) {
	RunsDequeued.Reset()

	tests := []struct {
		name        string
		workerQueue string
		outcome     string
	}{
		{
			name:        "claimed run",
			workerQueue: "env_1",
			outcome:     "claimed",
		},
		{
			name:        "parked run",
			workerQueue: "env_1",
			outcome:     "parked",
		},
		{
			name:        "dropped duplicate",
			workerQueue: "env_2",
			outcome:     "dropped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordRunDequeued(tt.workerQueue, tt.outcome)

			metric := getCounterValue(t, RunsDequeued, tt.workerQueue, tt.outcome)
			assert.Greater(t, metric, 0.0, "counter should be incremented")
		})
	}
}

func TestRecordSnapshotCreated(t *testing.T) {
	SnapshotsCreated.Reset()

	RecordSnapshotCreated("EXECUTING")

	count := getCounterValue(t, SnapshotsCreated, "EXECUTING")
	assert.Equal(t, 1.0, count, "snapshot counter should be 1")
}

func TestRecordAttemptCompleted(t *testing.T) {
	AttemptsCompleted.Reset()
	AttemptDuration.Reset()

	status := "RUN_FINISHED"
	duration := 2 * time.Second

	RecordAttemptCompleted(status, duration)

	completedCount := getCounterValue(t, AttemptsCompleted, status)
	assert.Equal(t, 1.0, completedCount, "completed counter should be 1")

	durationSum := getHistogramSum(t, AttemptDuration, status)
	assert.Equal(t, 2.0, durationSum, "duration should be recorded")
}

func TestRecordWaitpointCompleted(t *testing.T) {
	WaitpointsCompleted.Reset()

	RecordWaitpointCompleted("MANUAL")

	count := getCounterValue(t, WaitpointsCompleted, "MANUAL")
	assert.Equal(t, 1.0, count, "waitpoint counter should be 1")
}

func TestRecordRunContinued(t *testing.T) {
	RunsContinued.Reset()

	RecordRunContinued("unblocked")

	count := getCounterValue(t, RunsContinued, "unblocked")
	assert.Equal(t, 1.0, count, "continued counter should be 1")
}

func TestRecordHeartbeatTimeout(t *testing.T) {
	HeartbeatTimeouts.Reset()

	RecordHeartbeatTimeout("EXECUTING")

	count := getCounterValue(t, HeartbeatTimeouts, "EXECUTING")
	assert.Equal(t, 1.0, count, "timeout counter should be 1")
}

func TestUpdateRunsExecuting(t *testing.T) {
	RunsExecuting.Reset()

	UpdateRunsExecuting("env_1", 1)
	UpdateRunsExecuting("env_1", 1)
	UpdateRunsExecuting("env_1", -1)

	value := getGaugeValue(t, RunsExecuting, "env_1")
	assert.Equal(t, 1.0, value, "gauge should track the net delta")
}

func TestUpdateQueueDepth(t *testing.T) {
	RunsInQueue.Reset()

	depths := []int64{0, 10, 100, 1000}

	for _, depth := range depths {
		UpdateQueueDepth("env_1", depth)

		value := getGaugeValue(t, RunsInQueue, "env_1")
		assert.Equal(t, float64(depth), value)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{
			name:     "successful GET",
			method:   "GET",
			endpoint: "/api/runs/:id",
			status:   "200",
			duration: 50 * time.Millisecond,
		},
		{
			name:     "failed POST",
			method:   "POST",
			endpoint: "/api/dequeue",
			status:   "500",
			duration: 100 * time.Millisecond,
		},
		{
			name:     "not found",
			method:   "GET",
			endpoint: "/unknown",
			status:   "404",
			duration: 10 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			count := getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status)
			assert.Greater(t, count, 0.0, "request counter should be incremented")

			sum := getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint)
			assert.Greater(t, sum, 0.0, "duration should be recorded")
		})
	}
}

func TestAttemptDurationHistogramBuckets(t *testing.T) {
	AttemptDuration.Reset()

	durations := []time.Duration{
		5 * time.Millisecond,
		100 * time.Millisecond,
		1 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}

	for _, d := range durations {
		RecordAttemptCompleted("bucket-test", d)
	}

	metric := getHistogramMetric(t, AttemptDuration, "bucket-test")
	assert.Equal(t, uint64(len(durations)), metric.Histogram.GetSampleCount())
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	c := observer
	err = c.Write(metric)
	require.NoError(t, err)
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	g := observer
	err = g.Write(metric)
	require.NoError(t, err)
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := getHistogramMetric(t, histogram, labels...)
	return metric.Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	err = h.Write(metric)
	require.NoError(t, err)
	return metric
}
