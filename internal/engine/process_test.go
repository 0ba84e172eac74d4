package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProcessRunner_Run(t *testing.T) {
	launcher := writeScript(t, "launcher", `echo "args: $@"
echo "Connected"
sleep 60 &
wait
`)
	out := &syncBuffer{}
	r := NewProcessRunner(ProcessOptions{
		Launcher: launcher,
		Model:    "Qwen/Qwen2-7B",
		Port:     8080,
		Output:   out,
	}, zap.NewNop())

	require.NoError(t, r.Run(context.Background(), []Param{{Key: "max-concurrent-requests", Value: "8000"}}))
	assert.Contains(t, out.String(),
		"args: --port 8080 --model-id Qwen/Qwen2-7B --huggingface-hub-cache /scratch --max-concurrent-requests 8000")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	assert.NoError(t, r.Stop(ctx), "second stop is a no-op")
}

func TestProcessRunner_ErrorSentinel(t *testing.T) {
	launcher := writeScript(t, "launcher", `echo "Error: model not found"
sleep 60
`)
	r := NewProcessRunner(ProcessOptions{Launcher: launcher, Model: "m", Port: 8080, Output: &syncBuffer{}}, nil)

	err := r.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrStartup)
	assert.Contains(t, err.Error(), "model not found")
}

func TestProcessRunner_ErrorSentinelWithTraceback(t *testing.T) {
	launcher := writeScript(t, "launcher", `echo "Error: model not found"
i=0
while [ $i -lt 5000 ]; do
  echo "  File \"/opt/tgi/server.py\", line $i, in load"
  i=$((i+1))
done
sleep 60
`)
	r := NewProcessRunner(ProcessOptions{Launcher: launcher, Model: "m", Port: 8080, Output: &syncBuffer{}}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStartup)
		assert.Contains(t, err.Error(), "model not found")
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after the error line")
	}
}

func TestProcessRunner_ExitBeforeReady(t *testing.T) {
	launcher := writeScript(t, "launcher", "echo starting\nexit 1\n")
	r := NewProcessRunner(ProcessOptions{Launcher: launcher, Model: "m", Port: 8080, Output: &syncBuffer{}}, nil)

	err := r.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStartup)
}

func TestProcessRunner_MissingLauncher(t *testing.T) {
	r := NewProcessRunner(ProcessOptions{Launcher: "/nonexistent/launcher"}, nil)
	assert.Error(t, r.Run(context.Background(), nil))
	assert.NoError(t, r.Stop(context.Background()))
}
