//go:build windows

package proc

import (
	"fmt"

	"github.com/shirou/gopsutil/process"
)

func kill(p *process.Process) error {
	if err := p.Kill(); err != nil {
		return fmt.Errorf("proc: kill %d: %w", p.Pid, err)
	}
	return nil
}
