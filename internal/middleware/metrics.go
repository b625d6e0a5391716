// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okatz/hopper/internal/metrics"
)

// recordHTTPRequest is a seam for tests; production code always points it at
// the metrics package.
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

// normalizeEndpoint collapses task ids out of paths so the endpoint label
// stays low-cardinality.
func normalizeEndpoint(path string) string {
	if path == "/api/tasks/claim" || !strings.HasPrefix(path, "/api/tasks/") {
		return path
	}

	rest := strings.TrimPrefix(path, "/api/tasks/")
	if rest == "" {
		return path
	}

	_, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		return "/api/tasks/:id"
	case "log":
		return "/api/tasks/:id/log"
	case "complete":
		return "/api/tasks/:id/complete"
	default:
		return path
	}
}
