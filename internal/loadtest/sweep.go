package loadtest

import (
	"fmt"
	"time"

	"github.com/FairForge/inferbench/internal/config"
)

// Sweep is one swept load dimension.
type Sweep struct {
	Name  string
	Start int
	End   int
	Step  int
}

// NewSweep builds a sweep from a configured range.
func NewSweep(name string, r config.Range) Sweep {
	return Sweep{Name: name, Start: r.Start, End: r.End, Step: r.Step}
}

// Values yields start, start+step, ... below end, then end. Values below 1
// are raised to 1, so a sweep starting at 0 begins with a single VU or one
// request per second.
func (s Sweep) Values() []int {
	if s.Step <= 0 {
		return []int{max(s.End, 1)}
	}
	var out []int
	for v := s.Start; v < s.End; v += s.Step {
		out = append(out, max(v, 1))
	}
	return append(out, max(s.End, 1))
}

func (s Sweep) String() string {
	return fmt.Sprintf("%s[%d..%d step %d]", s.Name, s.Start, s.End, s.Step)
}

// K6Duration formats d the way k6 options expect, e.g. "60s".
func K6Duration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return d.String()
}
