package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summaryJSON(t *testing.T, k6Config map[string]any, checks []map[string]int, metrics map[string]map[string]float64) []byte {
	t.Helper()
	m := map[string]any{}
	for name, values := range metrics {
		m[name] = map[string]any{"type": "trend", "values": values}
	}
	raw, err := json.Marshal(map[string]any{
		"metrics":    m,
		"state":      map[string]any{"testRunDurationMs": 60000},
		"root_group": map[string]any{"name": "", "checks": checks},
		"k6_config":  k6Config,
	})
	require.NoError(t, err)
	return raw
}

func defaultMetrics() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"inter_token_latency": {"avg": 9000, "p(90)": 12000, "p(95)": 15000},
		"end_to_end_latency":  {"p(90)": 2500},
		"time_to_first_token": {"p(90)": 300},
		"tokens_throughput":   {"count": 120000, "rate": 2000},
		"tokens_received":     {"count": 120000, "rate": 2000},
		"dropped_iterations":  {"count": 10, "rate": 0.1},
		"http_req_duration":   {"p(90)": 1},
	}
}

func TestParseSummary(t *testing.T) {
	t.Run("constant vus", func(t *testing.T) {
		raw := summaryJSON(t,
			map[string]any{"name": "tgi", "vus": 40, "duration": "60s", "input_type": "constant_tokens"},
			[]map[string]int{{"passes": 90, "fails": 0}},
			defaultMetrics())

		rec, err := ParseSummary(raw, ConstantVUs)
		require.NoError(t, err)
		assert.Equal(t, "tgi", rec.Name)
		assert.Equal(t, 40, rec.VUs)
		assert.Equal(t, "60s", rec.Duration)
		assert.Equal(t, 60.0, rec.TestDuration)
		assert.Equal(t, 90.0, rec.RequestsOK)
		assert.Equal(t, 10.0, rec.DroppedIterations)
		assert.Equal(t, 10.0, rec.DroppedRequests)
		assert.InDelta(t, 10.0, rec.ErrorRate, 1e-9)
		assert.Equal(t, 12.0, rec.Value(ColInterTokenLatency))
		assert.Equal(t, 2000.0, rec.Value(ColTokensThroughput))
		assert.Equal(t, 120000.0, rec.Value(ColTokensReceived))
		assert.Equal(t, 300.0, rec.Value(ColTimeToFirstToken))
		assert.True(t, math.IsNaN(rec.Value("http_req_duration")))
	})

	t.Run("arrival rate without dropped iterations", func(t *testing.T) {
		metrics := defaultMetrics()
		delete(metrics, "dropped_iterations")
		raw := summaryJSON(t,
			map[string]any{"name": "tgi", "pre_allocated_vus": 2000, "rate": 10, "duration": "60s"},
			[]map[string]int{{"passes": 3, "fails": 1}},
			metrics)

		rec, err := ParseSummary(raw, ConstantArrivalRate)
		require.NoError(t, err)
		assert.Equal(t, 10, rec.Rate)
		assert.Equal(t, 2000, rec.PreAllocatedVUs)
		assert.Equal(t, 0.0, rec.DroppedIterations)
		assert.Equal(t, 1.0, rec.DroppedRequests)
		assert.Equal(t, 25.0, rec.ErrorRate)
	})

	t.Run("no requests", func(t *testing.T) {
		raw := summaryJSON(t, map[string]any{"name": "tgi", "vus": 1, "duration": "1s"},
			[]map[string]int{{"passes": 0, "fails": 0}}, nil)
		rec, err := ParseSummary(raw, ConstantVUs)
		require.NoError(t, err)
		assert.Equal(t, 0.0, rec.ErrorRate)
	})

	t.Run("no checks", func(t *testing.T) {
		raw := summaryJSON(t, map[string]any{"name": "tgi", "vus": 1}, []map[string]int{}, nil)
		_, err := ParseSummary(raw, ConstantVUs)
		assert.ErrorIs(t, err, ErrNoChecks)
	})

	t.Run("schema violation", func(t *testing.T) {
		_, err := ParseSummary([]byte(`{"metrics":{},"state":{}}`), ConstantVUs)
		assert.ErrorIs(t, err, ErrInvalidSummary)
	})
}

func writeSummaries(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, vus := range []int{40, 1} {
		raw := summaryJSON(t,
			map[string]any{"name": "tgi", "vus": vus, "duration": "60s"},
			[]map[string]int{{"passes": 100 * vus, "fails": 0}},
			defaultMetrics())
		name := filepath.Join(dir, fmt.Sprintf("tgi_vus_%d.summary.json", vus))
		require.NoError(t, os.WriteFile(name, raw, 0o644))
	}
	// raw results are skipped
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tgi_vus.json"), []byte("{}\n"), 0o644))
}

func column(f *Frame, col string) []float64 {
	vals := make([]float64, len(f.Records))
	for i, r := range f.Records {
		vals[i] = r.Value(col)
	}
	return vals
}

func TestParseDir(t *testing.T) {
	root := t.TempDir()
	writeSummaries(t, ConstantVUs.Dir(root))

	frame, err := ParseDir(ConstantVUs.Dir(root), ConstantVUs, nil)
	require.NoError(t, err)
	require.Len(t, frame.Records, 2)
	assert.Equal(t, []string{"tgi"}, frame.Names())
	assert.Equal(t, []float64{1, 40}, column(frame.SortBy(ColVUs), ColVUs))

	_, err = ParseDir(filepath.Join(root, "missing"), ConstantVUs, nil)
	assert.Error(t, err)
}

func TestFrame_CSVRoundTrip(t *testing.T) {
	rec := newRecord()
	rec.Name = "tgi"
	rec.Rate = 10
	rec.PreAllocatedVUs = 2000
	rec.Duration = "60s"
	rec.RequestsOK = 600
	rec.Metrics[ColTimeToFirstToken] = 123.5
	frame := &Frame{TestType: ConstantArrivalRate, Records: []Record{rec}}

	var buf bytes.Buffer
	require.NoError(t, frame.WriteCSV(&buf))
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, "pre_allocated_vus,rate,duration,test_duration,requests_ok,requests_fail,dropped_iterations,"+
		"dropped_requests,error_rate,name,end_to_end_latency,inter_token_latency,time_to_first_token,"+
		"tokens_received,tokens_throughput", header)

	back, err := ReadCSV(&buf, ConstantArrivalRate)
	require.NoError(t, err)
	require.Len(t, back.Records, 1)
	got := back.Records[0]
	assert.Equal(t, "tgi", got.Name)
	assert.Equal(t, 10, got.Rate)
	assert.Equal(t, 123.5, got.Value(ColTimeToFirstToken))
	assert.True(t, math.IsNaN(got.Value(ColEndToEndLatency)))
}

func TestReadCSV_PandasIndex(t *testing.T) {
	in := ",vus,duration,name,time_to_first_token\n0,1,60s,tgi,10.5\n0,40,60s,tgi,20\n"
	frame, err := ReadCSV(strings.NewReader(in), ConstantVUs)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 40}, column(frame, ColVUs))
	assert.Equal(t, []float64{10.5, 20}, column(frame, ColTimeToFirstToken))
}

func TestMergePrevious(t *testing.T) {
	prevDir := t.TempDir()
	old := &Frame{TestType: ConstantVUs}
	for _, name := range []string{"tgi", "vllm"} {
		r := newRecord()
		r.Name = name
		r.VUs = 1
		old.Records = append(old.Records, r)
	}
	require.NoError(t, old.SaveCSV(filepath.Join(prevDir, PreviousFile(ConstantVUs, "v2.1.0"))))
	// other test types are left out
	require.NoError(t, (&Frame{TestType: ConstantArrivalRate, Records: old.Records}).
		SaveCSV(filepath.Join(prevDir, PreviousFile(ConstantArrivalRate, "v2.1.0"))))

	cur := newRecord()
	cur.Name = "tgi"
	cur.VUs = 1
	frame := &Frame{TestType: ConstantVUs, Records: []Record{cur}}

	merged, err := MergePrevious(prevDir, frame, "tgi")
	require.NoError(t, err)
	assert.Equal(t, ConstantVUs, merged.TestType)
	assert.Equal(t, []string{"tgi", "tgi_v2.1.0", "vllm"}, merged.Names())
	assert.Equal(t, "tgi_v2.1.0", merged.Records[0].Name)
	assert.Equal(t, "tgi", merged.Records[2].Name)

	t.Run("missing dir", func(t *testing.T) {
		got, err := MergePrevious(filepath.Join(prevDir, "nope"), frame, "tgi")
		require.NoError(t, err)
		assert.Same(t, frame, got)
	})
}

func TestFrame_MarshalJSON(t *testing.T) {
	rec := newRecord()
	rec.Name = "tgi"
	rec.VUs = 8
	frame := &Frame{TestType: ConstantVUs, Records: []Record{rec}}

	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "tgi", rows[0]["name"])
	assert.Equal(t, 8.0, rows[0]["vus"])
	assert.Nil(t, rows[0]["time_to_first_token"])
}

func TestParseTestType(t *testing.T) {
	tt, err := ParseTestType("CONSTANT_VUS")
	require.NoError(t, err)
	assert.Equal(t, ConstantVUs, tt)
	assert.Equal(t, ColRate, ConstantArrivalRate.XColumn())

	_, err = ParseTestType("soak")
	assert.ErrorIs(t, err, ErrUnknownTest)
}
