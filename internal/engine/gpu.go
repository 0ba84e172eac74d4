package engine

import (
	"bytes"
	"context"
	"os/exec"
)

// nvidiaSMI is swapped in tests.
var nvidiaSMI = "nvidia-smi"

// GPUCount returns the number of GPUs listed by `nvidia-smi -L`, or 0 when
// the tool is missing or fails.
func GPUCount(ctx context.Context) int {
	out, err := exec.CommandContext(ctx, nvidiaSMI, "-L").Output()
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
