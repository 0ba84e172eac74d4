// internal/metrics/metrics_test.go
package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordBenchmark(t *testing.T) {
	c := NewCollector()

	c.RecordBenchmark("constant_vus", 30*time.Second, nil)
	c.RecordBenchmark("constant_vus", 31*time.Second, nil)
	c.RecordBenchmark("constant_arrival_rate", time.Second, errors.New("k6: interrupted"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.benchmarksTotal.WithLabelValues("constant_vus", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.benchmarksTotal.WithLabelValues("constant_arrival_rate", OutcomeFailed)))
	assert.Equal(t, 2, testutil.CollectAndCount(c.benchmarkDuration))
}

func TestCollector_RecordRequests(t *testing.T) {
	c := NewCollector()

	c.RecordRequests("tgi", "constant_vus", 90, 10)
	c.RecordRequests("tgi", "constant_vus", 10, 0)

	assert.Equal(t, 100.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("tgi", "constant_vus", OutcomeOK)))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("tgi", "constant_vus", OutcomeFailed)))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordEngineStartup("tgi", 42*time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `inferbench_engine_startup_seconds_count{engine="tgi"} 1`)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestMiddleware(t *testing.T) {
	c := NewCollector()
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/files/missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/api/results/constant_vus", "/files/a.png", "/files/missing.png"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/results", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/files", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/files", "4xx")))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"", "/"},
		{"/healthz", "/healthz"},
		{"/metrics/", "/metrics"},
		{"/api/results/constant_vus", "/api/results"},
		{"/files/results/constant_vus.png", "/files"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizePath(tt.path))
		})
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(100))
}
