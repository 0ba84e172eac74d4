// internal/metrics/middleware.go
package metrics

import (
	"net/http"
	"strings"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Middleware records request counts and latency for the report server.
func Middleware(collector *Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), wrapped.status, time.Since(start))
		})
	}
}

// normalizePath collapses file and result paths to their route.
func normalizePath(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}

	parts := strings.Split(path, "/")
	if len(parts) >= 3 && parts[0] == "" {
		if parts[1] == "api" {
			return "/api/" + parts[2]
		}
		return "/" + parts[1]
	}
	return path
}
