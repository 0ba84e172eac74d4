package loadtest

import (
	"reflect"
	"testing"
	"time"

	"github.com/FairForge/inferbench/internal/config"
)

func TestSweep_Values(t *testing.T) {
	tests := []struct {
		name  string
		sweep Sweep
		want  []int
	}{
		{"vus default", NewSweep("vus", config.Range{Start: 0, End: 100, Step: 40}), []int{1, 40, 80, 100}},
		{"exact end", Sweep{Start: 10, End: 30, Step: 10}, []int{10, 20, 30}},
		{"single", Sweep{Start: 5, End: 5, Step: 1}, []int{5}},
		{"zero end", Sweep{Start: 0, End: 0, Step: 1}, []int{1}},
		{"no step", Sweep{Start: 0, End: 8}, []int{8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sweep.Values(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Values() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweep_DefaultRanges(t *testing.T) {
	cfg := config.Default()

	vus := NewSweep("vus", cfg.Sweep.VUs).Values()
	if vus[0] != 1 || vus[1] != 40 || vus[len(vus)-1] != 1024 {
		t.Errorf("unexpected vus sweep %v", vus)
	}
	if len(vus) != 27 {
		t.Errorf("expected 27 vus steps, got %d", len(vus))
	}

	rates := NewSweep("rate", cfg.Sweep.ArrivalRates).Values()
	if len(rates) != 21 || rates[len(rates)-1] != 200 {
		t.Errorf("unexpected rate sweep %v", rates)
	}
}

func TestK6Duration(t *testing.T) {
	for d, want := range map[time.Duration]string{
		60 * time.Second:        "60s",
		10 * time.Minute:        "600s",
		1500 * time.Millisecond: "1.5s",
	} {
		if got := K6Duration(d); got != want {
			t.Errorf("K6Duration(%v) = %q, want %q", d, got, want)
		}
	}
}
