package k6

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RenderRamping(t *testing.T) {
	ex := NewRampingArrivalRate(100, 1, "1s", []Stage{
		{Target: 1, Duration: "30s"},
		{Target: 100, Duration: "30s"},
	}, SharegptConversations)
	NewConfig("test", ex, 200, nil)

	cwd := t.TempDir()
	require.NoError(t, ex.Render(cwd, "http://localhost:8080"))
	t.Cleanup(func() { os.Remove(ex.RenderedFile) })

	raw, err := os.ReadFile(ex.RenderedFile)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "stages: [")
	assert.Contains(t, content, "target: 1, duration: '30s'")
	assert.Contains(t, content, "target: 100, duration: '30s'")
	assert.Contains(t, content, cwd+"/inputs_variable_tokens.json")
	assert.Contains(t, content, "executor: 'ramping-arrival-rate'")
	assert.Contains(t, content, "const maxNewTokens = 200;")
}

func TestExecutor_RenderConstant(t *testing.T) {
	tests := []struct {
		name string
		ex   *Executor
		want []string
	}{
		{
			name: "arrival rate",
			ex:   NewConstantArrivalRate(2000, 10, "60s", ConstantTokens),
			want: []string{"executor: 'constant-arrival-rate'", "preAllocatedVUs: 2000", "rate: 10", "inputs_constant_tokens.json"},
		},
		{
			name: "vus",
			ex:   NewConstantVUs(40, "60s", SharegptConversations),
			want: []string{"executor: 'constant-vus'", "vus: 40", "duration: '60s'"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			NewConfig("tgi", tt.ex, 50, nil)
			require.NoError(t, tt.ex.Render(t.TempDir(), "http://engine:80"))
			t.Cleanup(func() { os.Remove(tt.ex.RenderedFile) })

			raw, err := os.ReadFile(tt.ex.RenderedFile)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, string(raw), w)
			}
			assert.Contains(t, string(raw), "const host = 'http://engine:80';")
		})
	}
}

func TestExecutor_String(t *testing.T) {
	ex := NewConstantArrivalRate(2000, 1, "60s", SharegptConversations)
	NewConfig("tgi", ex, 200, nil)
	assert.Equal(t, "sharegpt_conversations_duration_60s_max_new_tokens_200_pre_allocated_vus_2000_rate_1", ex.String())

	ramp := NewRampingArrivalRate(10, 1, "1s", []Stage{{Target: 5, Duration: "1m"}}, ConstantTokens)
	assert.Equal(t, "constant_tokens_pre_allocated_vus_10_start_rate_1_time_unit_1s", ramp.String())
}

const fakeK6 = `#!/bin/sh
echo "k6 $@"
cat > summary.json <<'EOF'
{"metrics":{"dropped_iterations":{"values":{"count":2}}},"state":{"testRunDurationMs":60000},"root_group":{"checks":[{"name":"Post status is 200","passes":10,"fails":1}]}}
EOF
printf '{"type":"Point","metric":"http_reqs"}\n' > results.json
exit 99
`

func TestBenchmark_Run(t *testing.T) {
	work := t.TempDir()
	bin := filepath.Join(t.TempDir(), "k6")
	require.NoError(t, os.WriteFile(bin, []byte(fakeK6), 0o755))

	ex := NewConstantVUs(40, "60s", SharegptConversations)
	cfg := NewConfig("tgi", ex, 200, map[string]any{"run_id": "abc"})

	var out bytes.Buffer
	b, err := New(cfg, Options{Binary: bin, Host: "http://localhost:8080", OutputDir: "results", WorkDir: work, Output: &out}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Run(context.Background()))
	assert.Contains(t, out.String(), "k6 run --out json=results.json")

	wantBase := filepath.Join(work, "results", "constant_vus", "tgi_sharegpt_conversations_duration_60s_max_new_tokens_200_vus_40")
	assert.Equal(t, wantBase+".summary.json", b.SummaryPath())

	raw, err := os.ReadFile(b.SummaryPath())
	require.NoError(t, err)
	var summary struct {
		State    map[string]any `json:"state"`
		K6Config map[string]any `json:"k6_config"`
	}
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, "tgi", summary.K6Config["name"])
	assert.Equal(t, "sharegpt_conversations", summary.K6Config["input_type"])
	assert.Equal(t, float64(40), summary.K6Config["vus"])
	assert.Equal(t, "60s", summary.K6Config["duration"])
	assert.Equal(t, map[string]any{"run_id": "abc"}, summary.K6Config["extra_info"])
	assert.Equal(t, float64(60000), summary.State["testRunDurationMs"])

	f, err := os.Open(b.ResultsPath())
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, `{"type":"Point","metric":"http_reqs"}`, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "{"))
	assert.Contains(t, lines[1], `"max_new_tokens":200`)
}

func TestBenchmark_MissingSummary(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "k6")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	ex := NewConstantVUs(1, "1s", ConstantTokens)
	b, err := New(NewConfig("tgi", ex, 10, nil), Options{Binary: bin, OutputDir: t.TempDir(), WorkDir: t.TempDir(), Output: &bytes.Buffer{}}, nil)
	require.NoError(t, err)
	assert.Error(t, b.Run(context.Background()))
}

func TestBenchmark_Cancel(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "k6")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nsleep 60 &\nwait\n"), 0o755))

	ex := NewConstantVUs(1, "1s", ConstantTokens)
	b, err := New(NewConfig("tgi", ex, 10, nil), Options{Binary: bin, OutputDir: t.TempDir(), WorkDir: t.TempDir(), Output: &bytes.Buffer{}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = b.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, b.Stop())
}
