package reporting

import (
	"math"
	"sort"

	"github.com/FairForge/inferbench/internal/results"
)

// ComparisonStatus indicates whether performance is acceptable.
type ComparisonStatus string

const (
	StatusPass       ComparisonStatus = "pass"
	StatusRegression ComparisonStatus = "regression"
	StatusImproved   ComparisonStatus = "improved"
	StatusUnknown    ComparisonStatus = "unknown"
)

// direction tells which way a metric improves.
type direction int

const (
	lowerIsBetter direction = iota
	higherIsBetter
)

var compared = []struct {
	metric string
	dir    direction
}{
	{results.ColInterTokenLatency, lowerIsBetter},
	{results.ColTimeToFirstToken, lowerIsBetter},
	{results.ColEndToEndLatency, lowerIsBetter},
	{results.ColTokensThroughput, higherIsBetter},
	{results.ColErrorRate, lowerIsBetter},
}

// DefaultThresholds are the allowed deviations in percent.
var DefaultThresholds = map[string]float64{
	results.ColInterTokenLatency: 10.0,
	results.ColTimeToFirstToken:  15.0,
	results.ColEndToEndLatency:   10.0,
	results.ColTokensThroughput:  10.0,
	results.ColErrorRate:         50.0, // relative
}

// Difference captures the delta between previous and current values.
type Difference struct {
	X         float64          `json:"x"`
	Metric    string           `json:"metric"`
	Previous  float64          `json:"previous"`
	Current   float64          `json:"current"`
	DeltaAbs  float64          `json:"delta_abs"`
	DeltaPct  float64          `json:"delta_pct"`
	Status    ComparisonStatus `json:"status"`
	Threshold float64          `json:"threshold"`
}

// Comparison is the outcome of comparing two engines across a sweep.
type Comparison struct {
	Current       string           `json:"current"`
	Previous      string           `json:"previous"`
	Differences   []Difference     `json:"differences"`
	OverallStatus ComparisonStatus `json:"overall_status"`
	Regressions   int              `json:"regressions"`
	Improvements  int              `json:"improvements"`
}

// Compare checks the current engine against a previous one at every load
// level both have measured. A nil thresholds map uses DefaultThresholds.
func Compare(frame *results.Frame, current, previous string, thresholds map[string]float64) *Comparison {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	xcol := frame.TestType.XColumn()
	prevByX := map[float64]results.Record{}
	for _, r := range frame.Filter(previous).Records {
		prevByX[r.Value(xcol)] = r
	}

	c := &Comparison{Current: current, Previous: previous, OverallStatus: StatusUnknown}
	for _, cur := range frame.Filter(current).SortBy(xcol).Records {
		x := cur.Value(xcol)
		prev, ok := prevByX[x]
		if !ok {
			continue
		}
		for _, m := range compared {
			pv, cv := prev.Value(m.metric), cur.Value(m.metric)
			if math.IsNaN(pv) || math.IsNaN(cv) {
				continue
			}
			d := compareValue(m.metric, pv, cv, thresholds[m.metric], m.dir)
			d.X = x
			c.Differences = append(c.Differences, d)
		}
	}

	if len(c.Differences) == 0 {
		return c
	}
	c.OverallStatus = StatusPass
	for _, d := range c.Differences {
		switch d.Status {
		case StatusRegression:
			c.Regressions++
			c.OverallStatus = StatusRegression
		case StatusImproved:
			c.Improvements++
		}
	}
	sort.SliceStable(c.Differences, func(i, j int) bool { return c.Differences[i].X < c.Differences[j].X })
	return c
}

func compareValue(metric string, previous, current, threshold float64, dir direction) Difference {
	d := Difference{
		Metric:    metric,
		Previous:  previous,
		Current:   current,
		DeltaAbs:  current - previous,
		Threshold: threshold,
	}

	if previous == 0 {
		switch {
		case current == 0:
			d.Status = StatusPass
		case dir == lowerIsBetter:
			d.Status = StatusRegression
		default:
			d.Status = StatusImproved
		}
		return d
	}

	d.DeltaPct = (current - previous) / previous * 100
	worse, better := d.DeltaPct > threshold, d.DeltaPct < -threshold
	if dir == higherIsBetter {
		worse, better = better, worse
	}
	switch {
	case worse:
		d.Status = StatusRegression
	case better:
		d.Status = StatusImproved
	default:
		d.Status = StatusPass
	}
	return d
}
