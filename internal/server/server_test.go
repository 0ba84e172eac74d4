package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/inferbench/internal/metrics"
	"github.com/FairForge/inferbench/internal/results"
	"github.com/FairForge/inferbench/internal/store"
)

type fakeRuns struct {
	runs  []store.RunSummary
	err   error
	limit int
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]store.RunSummary, error) {
	f.limit = limit
	return f.runs, f.err
}

func newTestServer(t *testing.T, runs RunLister) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	frame := &results.Frame{TestType: results.ConstantVUs, Records: []results.Record{
		{Name: "tgi", VUs: 1, Duration: "60s", RequestsOK: 10, Metrics: map[string]float64{
			results.ColTimeToFirstToken: 120,
			results.ColTokensThroughput: 100,
		}},
		{Name: "tgi", VUs: 40, Duration: "60s", RequestsOK: 400, Metrics: map[string]float64{
			results.ColTimeToFirstToken: 300,
			results.ColTokensThroughput: 2000,
		}},
	}}
	require.NoError(t, frame.SaveCSV(filepath.Join(dir, "constant_vus.csv")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "constant_vus.png"), []byte("png"), 0o644))

	return New(Options{ReportDir: dir, Collector: metrics.NewCollector(), Runs: runs}), dir
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestServer_Results(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("records", func(t *testing.T) {
		rec := get(t, s, "/api/results/constant_vus")
		require.Equal(t, http.StatusOK, rec.Code)

		var rows []map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
		require.Len(t, rows, 2)
		assert.Equal(t, "tgi", rows[0]["name"])
		assert.Equal(t, 40.0, rows[1]["vus"])
		assert.Equal(t, 2000.0, rows[1]["tokens_throughput"])
		assert.Nil(t, rows[0]["inter_token_latency"])
	})

	t.Run("missing csv", func(t *testing.T) {
		rec := get(t, s, "/api/results/constant_arrival_rate")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown test type", func(t *testing.T) {
		rec := get(t, s, "/api/results/ramping")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Summary(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s, "/api/results/constant_vus/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Rows []struct {
			Engine         string  `json:"engine"`
			BestThroughput float64 `json:"best_throughput"`
		} `json:"rows"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.Len(t, summary.Rows, 1)
	assert.Equal(t, 2000.0, summary.Rows[0].BestThroughput)

	rec = get(t, s, "/api/results/constant_vus/summary?format=markdown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "### "))

	rec = get(t, s, "/api/results/constant_vus/summary?format=xml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Files(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s, "/files/constant_vus.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	rec = get(t, s, "/files/constant_vus.csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokens_throughput")

	rec = get(t, s, "/files/missing.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Runs(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/runs").Code)
	})

	t.Run("lists runs", func(t *testing.T) {
		runs := &fakeRuns{runs: []store.RunSummary{
			{ID: "run-1", Model: "Qwen/Qwen2-7B", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Results: 8},
		}}
		s, _ := newTestServer(t, runs)

		rec := get(t, s, "/api/runs?limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, runs.limit)

		var body []map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body, 1)
		assert.Equal(t, "run-1", body[0]["id"])
		assert.Equal(t, 8.0, body[0]["results"])
	})

	t.Run("default limit and empty list", func(t *testing.T) {
		runs := &fakeRuns{}
		s, _ := newTestServer(t, runs)

		rec := get(t, s, "/api/runs")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, defaultRunsLimit, runs.limit)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("bad limit", func(t *testing.T) {
		s, _ := newTestServer(t, &fakeRuns{})
		assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/runs?limit=abc").Code)
	})

	t.Run("store error", func(t *testing.T) {
		s, _ := newTestServer(t, &fakeRuns{err: errors.New("connection refused")})
		assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/runs").Code)
	})
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	get(t, s, "/healthz")
	get(t, s, "/files/constant_vus.png")
	get(t, s, "/files/missing.png")

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `inferbench_http_requests_total{endpoint="/files",method="GET",status="4xx"} 1`)

	n, err := testutil.GatherAndCount(s.opts.Collector.Registry(), "inferbench_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n) // including /metrics itself
}
