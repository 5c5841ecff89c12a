// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/metrics"
)

// recordHTTPRequest is swappable so tests can observe recorded metrics.
var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/runs/"):
		rest := strings.TrimPrefix(path, "/api/runs/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 1 {
			return "/api/runs/:id"
		}
		return "/api/runs/:id/" + parts[1]
	case strings.HasPrefix(path, "/api/waitpoints/"):
		rest := strings.TrimPrefix(path, "/api/waitpoints/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 1 {
			return "/api/waitpoints/:id"
		}
		return "/api/waitpoints/:id/" + parts[1]
	default:
		return path
	}
}
