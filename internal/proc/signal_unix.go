//go:build !windows

package proc

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

func kill(p *process.Process) error {
	err := unix.Kill(int(p.Pid), unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("proc: kill %d: %w", p.Pid, err)
	}
	return nil
}
