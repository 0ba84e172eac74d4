// internal/metrics/collector.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Benchmark outcomes
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Collector holds the harness metrics on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	benchmarksTotal   *prometheus.CounterVec
	benchmarkDuration *prometheus.HistogramVec
	engineStartup     *prometheus.HistogramVec
	requestsTotal     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	startTime         time.Time
}

// NewCollector creates a metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		benchmarksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferbench_benchmarks_total",
				Help: "Total number of k6 benchmark steps run",
			},
			[]string{"executor", "outcome"},
		),
		benchmarkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inferbench_benchmark_duration_seconds",
				Help:    "Wall time of one k6 benchmark step",
				Buckets: prometheus.ExponentialBuckets(10, 2, 8),
			},
			[]string{"executor"},
		),
		engineStartup: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inferbench_engine_startup_seconds",
				Help:    "Time until the inference server reported ready",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
			[]string{"engine"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferbench_requests_total",
				Help: "Requests sent by k6, by result",
			},
			[]string{"engine", "test_type", "result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferbench_http_requests_total",
				Help: "Requests served by the report server",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inferbench_http_request_duration_seconds",
				Help:    "Report server request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		startTime: time.Now(),
	}
	c.registry.MustRegister(
		c.benchmarksTotal,
		c.benchmarkDuration,
		c.engineStartup,
		c.requestsTotal,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordBenchmark records one k6 step.
func (c *Collector) RecordBenchmark(executor string, duration time.Duration, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	c.benchmarksTotal.WithLabelValues(executor, outcome).Inc()
	c.benchmarkDuration.WithLabelValues(executor).Observe(duration.Seconds())
}

// RecordEngineStartup records how long the engine took to become ready.
func (c *Collector) RecordEngineStartup(engine string, duration time.Duration) {
	c.engineStartup.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordRequests adds the successful and failed request counts of a run.
func (c *Collector) RecordRequests(engine, testType string, ok, failed float64) {
	if ok > 0 {
		c.requestsTotal.WithLabelValues(engine, testType, OutcomeOK).Add(ok)
	}
	if failed > 0 {
		c.requestsTotal.WithLabelValues(engine, testType, OutcomeFailed).Add(failed)
	}
}

// RecordHTTPRequest records one report server request.
func (c *Collector) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, endpoint, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Uptime returns the uptime duration
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
