// Package proc manages the external processes the harness launches.
package proc

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/process"
)

// KillTree kills pid and all of its descendants. Descendants go first so
// that a launcher cannot respawn workers while it is being torn down.
func KillTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("proc: find %d: %w", pid, err)
	}

	var errs []error
	for _, child := range descendants(p) {
		if err := kill(child); err != nil {
			errs = append(errs, err)
		}
	}
	if err := kill(p); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// descendants returns the process subtree below p, deepest last.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		// gopsutil reports "no children" as an error
		return nil
	}
	out := make([]*process.Process, 0, len(children))
	for _, c := range children {
		out = append(out, c)
		out = append(out, descendants(c)...)
	}
	return out
}

// Alive reports whether pid still exists.
func Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
