// internal/reporting/report.go
package reporting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/FairForge/inferbench/internal/results"
)

// Export formats
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// SummaryRow condenses one engine's sweep.
type SummaryRow struct {
	Engine           string  `json:"engine"`
	Points           int     `json:"points"`
	BestThroughput   float64 `json:"best_throughput"`
	BestThroughputAt float64 `json:"best_throughput_at"`
	MinTTFT          float64 `json:"min_ttft_ms"`
	MaxErrorRate     float64 `json:"max_error_rate"`
	RequestsOK       float64 `json:"requests_ok"`
}

// Summary is the per-engine table for one test type.
type Summary struct {
	TestType results.TestType `json:"test_type"`
	XColumn  string           `json:"x_column"`
	Rows     []SummaryRow     `json:"rows"`
}

// SummaryTable builds one row per engine in name order. Missing metrics are
// skipped, so an engine with no throughput data reports 0.
func SummaryTable(frame *results.Frame) *Summary {
	s := &Summary{TestType: frame.TestType, XColumn: frame.TestType.XColumn()}
	for _, name := range frame.Names() {
		row := SummaryRow{Engine: name, MinTTFT: math.Inf(1)}
		for _, r := range frame.Filter(name).Records {
			row.Points++
			if v := r.Value(results.ColTokensThroughput); !math.IsNaN(v) && v > row.BestThroughput {
				row.BestThroughput = v
				row.BestThroughputAt = r.Value(s.XColumn)
			}
			if v := r.Value(results.ColTimeToFirstToken); !math.IsNaN(v) && v < row.MinTTFT {
				row.MinTTFT = v
			}
			row.MaxErrorRate = math.Max(row.MaxErrorRate, r.ErrorRate)
			row.RequestsOK += r.RequestsOK
		}
		if math.IsInf(row.MinTTFT, 1) {
			row.MinTTFT = 0
		}
		s.Rows = append(s.Rows, row)
	}
	return s
}

var summaryHeader = []string{"Engine", "Points", "Best throughput (tokens/s)", "At", "Min TTFT P90 (ms)", "Max error rate (%)", "Successful requests"}

func (r SummaryRow) cells() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	return []string{
		r.Engine,
		strconv.Itoa(r.Points),
		f(r.BestThroughput),
		strconv.FormatFloat(r.BestThroughputAt, 'f', -1, 64),
		f(r.MinTTFT),
		f(r.MaxErrorRate),
		strconv.FormatFloat(r.RequestsOK, 'f', 0, 64),
	}
}

// Markdown renders the summary as a GitHub table, e.g. for a CI job
// summary.
func (s *Summary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", strings.SplitN(Title(s.TestType, ""), "\n", 2)[0])
	b.WriteString("| " + strings.Join(summaryHeader, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(summaryHeader)) + "\n")
	for _, r := range s.Rows {
		b.WriteString("| " + strings.Join(r.cells(), " | ") + " |\n")
	}
	return b.String()
}

// Export renders the summary in the given format.
func (s *Summary) Export(format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(s, "", "  ")
	case FormatCSV:
		return s.exportCSV()
	case FormatMarkdown, "":
		return []byte(s.Markdown()), nil
	default:
		return nil, fmt.Errorf("reporting: unknown format %q", format)
	}
}

func (s *Summary) exportCSV() ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(summaryHeader); err != nil {
		return nil, err
	}
	for _, r := range s.Rows {
		if err := w.Write(r.cells()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return []byte(buf.String()), w.Error()
}
