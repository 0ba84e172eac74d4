// Package results turns k6 summaries into comparable tables.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/logging"
)

var (
	ErrInvalidSummary = errors.New("invalid k6 summary")
	ErrNoChecks       = errors.New("k6 summary has no checks")
	ErrUnknownTest    = errors.New("unknown test type")
)

// TestType is a load shape. Its value is also the results subdirectory.
type TestType string

const (
	ConstantVUs         TestType = config.TestConstantVUs
	ConstantArrivalRate TestType = config.TestConstantArrivalRate
)

// ParseTestType accepts the names used on the command line and in config.
func ParseTestType(s string) (TestType, error) {
	switch t := TestType(strings.ToLower(s)); t {
	case ConstantVUs, ConstantArrivalRate:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTest, s)
}

// XColumn is the load dimension the test sweeps.
func (t TestType) XColumn() string {
	if t == ConstantVUs {
		return ColVUs
	}
	return ColRate
}

// Dir is the results subdirectory of root for this test type.
func (t TestType) Dir(root string) string {
	return filepath.Join(root, string(t))
}

// keptMetrics are copied from the summary: p(90) for trends, count for
// counters.
var keptMetrics = []string{
	ColEndToEndLatency,
	ColInterTokenLatency,
	ColTimeToFirstToken,
	ColTokensReceived,
	ColTokensThroughput,
}

type summaryDoc struct {
	Metrics map[string]struct {
		Values map[string]float64 `json:"values"`
	} `json:"metrics"`
	State struct {
		TestRunDurationMs float64 `json:"testRunDurationMs"`
	} `json:"state"`
	RootGroup struct {
		Checks []struct {
			Passes int `json:"passes"`
			Fails  int `json:"fails"`
		} `json:"checks"`
	} `json:"root_group"`
	K6Config struct {
		Name            string  `json:"name"`
		Duration        string  `json:"duration"`
		VUs             float64 `json:"vus"`
		PreAllocatedVUs float64 `json:"pre_allocated_vus"`
		Rate            float64 `json:"rate"`
	} `json:"k6_config"`
}

// ParseDir reads every *summary.json file in dir, in name order.
func ParseDir(dir string, testType TestType, logger *zap.Logger) (*Frame, error) {
	logger = logging.OrNop(logger).Named("results")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("results: read %s: %w", dir, err)
	}

	frame := &Frame{TestType: testType}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "summary.json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("results: read %s: %w", path, err)
		}
		rec, err := ParseSummary(raw, testType)
		if err != nil {
			return nil, fmt.Errorf("results: %s: %w", e.Name(), err)
		}
		if rec.RequestsOK+rec.DroppedRequests == 0 {
			logger.Warn("summary recorded no requests", zap.String("file", e.Name()))
		}
		frame.Records = append(frame.Records, rec)
	}
	return frame, nil
}

// ParseSummary converts one annotated k6 summary into a Record.
func ParseSummary(raw []byte, testType TestType) (Record, error) {
	if err := validateSummary(raw); err != nil {
		return Record{}, err
	}
	var doc summaryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	if len(doc.RootGroup.Checks) == 0 {
		return Record{}, ErrNoChecks
	}

	rec := newRecord()
	switch testType {
	case ConstantVUs:
		rec.VUs = int(doc.K6Config.VUs)
	case ConstantArrivalRate:
		rec.PreAllocatedVUs = int(doc.K6Config.PreAllocatedVUs)
		rec.Rate = int(doc.K6Config.Rate)
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownTest, testType)
	}
	rec.Duration = doc.K6Config.Duration
	rec.Name = doc.K6Config.Name

	rec.TestDuration = doc.State.TestRunDurationMs / 1000
	check := doc.RootGroup.Checks[0]
	rec.RequestsOK = float64(check.Passes)
	rec.RequestsFail = float64(check.Fails)
	if m, ok := doc.Metrics["dropped_iterations"]; ok {
		rec.DroppedIterations = m.Values["count"]
	}
	rec.DroppedRequests = rec.RequestsFail + rec.DroppedIterations
	if total := rec.RequestsOK + rec.DroppedRequests; total > 0 {
		rec.ErrorRate = rec.DroppedRequests / total * 100
	}

	for _, name := range keptMetrics {
		m, ok := doc.Metrics[name]
		if !ok {
			continue
		}
		if v, ok := m.Values["p(90)"]; ok {
			rec.Metrics[name] = v
		} else if v, ok := m.Values["count"]; ok {
			rec.Metrics[name] = v
		}
	}
	if v, ok := rec.Metrics[ColTokensThroughput]; ok && rec.TestDuration > 0 {
		rec.Metrics[ColTokensThroughput] = v / rec.TestDuration
	}
	if v, ok := rec.Metrics[ColInterTokenLatency]; ok {
		// recorded in microseconds
		rec.Metrics[ColInterTokenLatency] = v / 1000
	}
	return rec, nil
}

// Record is one benchmark step.
type Record struct {
	Name              string
	VUs               int
	PreAllocatedVUs   int
	Rate              int
	Duration          string
	TestDuration      float64
	RequestsOK        float64
	RequestsFail      float64
	DroppedIterations float64
	DroppedRequests   float64
	ErrorRate         float64
	Metrics           map[string]float64
}

func newRecord() Record {
	return Record{Metrics: make(map[string]float64, len(keptMetrics))}
}

// Value returns a numeric column. Missing metrics are NaN.
func (r Record) Value(column string) float64 {
	switch column {
	case ColVUs:
		return float64(r.VUs)
	case ColPreAllocatedVUs:
		return float64(r.PreAllocatedVUs)
	case ColRate:
		return float64(r.Rate)
	case ColTestDuration:
		return r.TestDuration
	case ColRequestsOK:
		return r.RequestsOK
	case ColRequestsFail:
		return r.RequestsFail
	case ColDroppedIterations:
		return r.DroppedIterations
	case ColDroppedRequests:
		return r.DroppedRequests
	case ColErrorRate:
		return r.ErrorRate
	}
	if v, ok := r.Metrics[column]; ok {
		return v
	}
	return math.NaN()
}
