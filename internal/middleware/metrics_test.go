package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMetric struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

// captureMetrics swaps the package recording hook for the duration of a
// test and returns the slice it appends to.
func captureMetrics(t *testing.T) *[]recordedMetric {
	t.Helper()

	var records []recordedMetric
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		records = append(records, recordedMetric{method, endpoint, status, duration})
	}
	t.Cleanup(func() { recordHTTPRequest = original })
	return &records
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusNotFound, http.StatusInternalServerError} {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		rw.WriteHeader(code)

		assert.Equal(t, code, rw.statusCode)
		assert.Equal(t, code, rec.Code)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"run by id", "/api/runs/run_123", "/api/runs/:id"},
		{"start attempt", "/api/runs/run_123/attempts/start", "/api/runs/:id/attempts/start"},
		{"complete attempt", "/api/runs/run_123/attempts/complete", "/api/runs/:id/attempts/complete"},
		{"heartbeat", "/api/runs/run_456/heartbeat", "/api/runs/:id/heartbeat"},
		{"block", "/api/runs/run_456/block", "/api/runs/:id/block"},
		{"cancel", "/api/runs/run_456/cancel", "/api/runs/:id/cancel"},
		{"waitpoint by id", "/api/waitpoints/wp_789", "/api/waitpoints/:id"},
		{"complete waitpoint", "/api/waitpoints/wp_789/complete", "/api/waitpoints/:id/complete"},
		{"runs collection", "/api/runs", "/api/runs"},
		{"waitpoints collection", "/api/waitpoints", "/api/waitpoints"},
		{"dequeue", "/api/dequeue", "/api/dequeue"},
		{"root", "/", "/"},
		{"health", "/health", "/health"},
		{"metrics", "/metrics", "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeEndpoint(tt.path))
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	records := captureMetrics(t)

	tests := []struct {
		name          string
		method        string
		path          string
		handlerStatus int
		wantEndpoint  string
		wantStatus    string
	}{
		{"GET run by id", http.MethodGet, "/api/runs/run_123", http.StatusOK, "/api/runs/:id", "200"},
		{"POST run created", http.MethodPost, "/api/runs", http.StatusCreated, "/api/runs", "201"},
		{"stale snapshot conflict", http.MethodPost, "/api/runs/run_123/attempts/start", http.StatusConflict, "/api/runs/:id/attempts/start", "409"},
		{"dequeue server error", http.MethodPost, "/api/dequeue", http.StatusInternalServerError, "/api/dequeue", "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*records = nil

			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.handlerStatus)
				_, _ = w.Write([]byte("ok"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.handlerStatus, rec.Code)
			require.Len(t, *records, 1)

			m := (*records)[0]
			assert.Equal(t, tt.method, m.method)
			assert.Equal(t, tt.wantEndpoint, m.endpoint)
			assert.Equal(t, tt.wantStatus, m.status)
			assert.Greater(t, m.duration, time.Duration(0))
		})
	}
}

func TestMetricsMiddleware_DefaultsTo200(t *testing.T) {
	records := captureMetrics(t)

	// Handler writes a body without calling WriteHeader.
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))

	require.Len(t, *records, 1)
	assert.Equal(t, "200", (*records)[0].status)
}
