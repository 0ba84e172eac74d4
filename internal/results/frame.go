package results

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Columns
const (
	ColName              = "name"
	ColVUs               = "vus"
	ColPreAllocatedVUs   = "pre_allocated_vus"
	ColRate              = "rate"
	ColDuration          = "duration"
	ColTestDuration      = "test_duration"
	ColRequestsOK        = "requests_ok"
	ColRequestsFail      = "requests_fail"
	ColDroppedIterations = "dropped_iterations"
	ColDroppedRequests   = "dropped_requests"
	ColErrorRate         = "error_rate"
	ColEndToEndLatency   = "end_to_end_latency"
	ColInterTokenLatency = "inter_token_latency"
	ColTimeToFirstToken  = "time_to_first_token"
	ColTokensReceived    = "tokens_received"
	ColTokensThroughput  = "tokens_throughput"
)

// Frame is an ordered set of records of one test type.
type Frame struct {
	TestType TestType
	Records  []Record
}

// Columns lists the CSV header for the frame's test type.
func (f *Frame) Columns() []string {
	var cols []string
	if f.TestType == ConstantVUs {
		cols = []string{ColVUs, ColDuration}
	} else {
		cols = []string{ColPreAllocatedVUs, ColRate, ColDuration}
	}
	cols = append(cols,
		ColTestDuration, ColRequestsOK, ColRequestsFail, ColDroppedIterations,
		ColDroppedRequests, ColErrorRate, ColName)
	return append(cols, keptMetrics...)
}

// Names lists the distinct engine names in sorted order.
func (f *Frame) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range f.Records {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Filter keeps the records of one engine name.
func (f *Frame) Filter(name string) *Frame {
	out := &Frame{TestType: f.TestType}
	for _, r := range f.Records {
		if r.Name == name {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// SortBy orders records by a numeric column, keeping ties in place.
func (f *Frame) SortBy(column string) *Frame {
	out := &Frame{TestType: f.TestType, Records: append([]Record(nil), f.Records...)}
	sort.SliceStable(out.Records, func(i, j int) bool {
		return out.Records[i].Value(column) < out.Records[j].Value(column)
	})
	return out
}

// Concat returns the records of all frames in order. The test type is taken
// from the first non-nil frame.
func Concat(frames ...*Frame) *Frame {
	out := &Frame{}
	for _, f := range frames {
		if f == nil {
			continue
		}
		if out.TestType == "" {
			out.TestType = f.TestType
		}
		out.Records = append(out.Records, f.Records...)
	}
	return out
}

// WriteCSV writes the frame with a header row. Missing metrics are empty
// cells.
func (f *Frame) WriteCSV(w io.Writer) error {
	cols := f.Columns()
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("results: write csv: %w", err)
	}
	row := make([]string, len(cols))
	for _, r := range f.Records {
		for i, c := range cols {
			row[i] = r.cell(c)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("results: write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (r Record) cell(column string) string {
	switch column {
	case ColName:
		return r.Name
	case ColDuration:
		return r.Duration
	case ColVUs, ColPreAllocatedVUs, ColRate:
		return strconv.Itoa(int(r.Value(column)))
	}
	v := r.Value(column)
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadCSV parses a CSV written by WriteCSV. Columns are matched by header
// name; unknown columns such as a leading index are ignored.
func ReadCSV(r io.Reader, testType TestType) (*Frame, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("results: read csv: %w", err)
	}
	frame := &Frame{TestType: testType}
	if len(rows) == 0 {
		return frame, nil
	}
	header := rows[0]
	for n, row := range rows[1:] {
		rec := newRecord()
		for i, col := range header {
			if i >= len(row) {
				break
			}
			if err := rec.set(col, row[i]); err != nil {
				return nil, fmt.Errorf("results: csv row %d: %w", n+2, err)
			}
		}
		frame.Records = append(frame.Records, rec)
	}
	return frame, nil
}

func (r *Record) set(column, cell string) error {
	switch column {
	case ColName:
		r.Name = cell
		return nil
	case ColDuration:
		r.Duration = cell
		return nil
	}
	if cell == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return fmt.Errorf("column %s: %w", column, err)
	}
	switch column {
	case ColVUs:
		r.VUs = int(v)
	case ColPreAllocatedVUs:
		r.PreAllocatedVUs = int(v)
	case ColRate:
		r.Rate = int(v)
	case ColTestDuration:
		r.TestDuration = v
	case ColRequestsOK:
		r.RequestsOK = v
	case ColRequestsFail:
		r.RequestsFail = v
	case ColDroppedIterations:
		r.DroppedIterations = v
	case ColDroppedRequests:
		r.DroppedRequests = v
	case ColErrorRate:
		r.ErrorRate = v
	default:
		for _, m := range keptMetrics {
			if m == column {
				r.Metrics[column] = v
			}
		}
	}
	return nil
}

// SaveCSV writes the frame to path.
func (f *Frame) SaveCSV(path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("results: mkdir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("results: create %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return f.WriteCSV(file)
}

// LoadCSV reads a frame from path.
func LoadCSV(path string, testType TestType) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	defer file.Close()
	return ReadCSV(file, testType)
}

// PreviousFile is the artifact name of a previous run's CSV.
func PreviousFile(testType TestType, version string) string {
	return string(testType) + "-" + version + ".csv"
}

// MergePrevious prepends the results of earlier versions found in dir as
// <test_type>-<version>.csv. Records named engineName are renamed to
// <engineName>_<version> so both runs plot side by side. A missing dir is
// not an error.
func MergePrevious(dir string, frame *Frame, engineName string) (*Frame, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return frame, nil
	}
	if err != nil {
		return nil, fmt.Errorf("results: read %s: %w", dir, err)
	}

	prefix := string(frame.TestType) + "-"
	out := frame
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		version := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv")
		if version == "" {
			continue
		}
		prev, err := LoadCSV(filepath.Join(dir, name), frame.TestType)
		if err != nil {
			return nil, err
		}
		for i := range prev.Records {
			if prev.Records[i].Name == engineName {
				prev.Records[i].Name = engineName + "_" + version
			}
		}
		out = Concat(prev, out)
		out.TestType = frame.TestType
	}
	return out, nil
}

// MarshalJSON encodes the frame as a list of rows keyed by column. Missing
// metrics are null.
func (f *Frame) MarshalJSON() ([]byte, error) {
	cols := f.Columns()
	rows := make([]map[string]any, 0, len(f.Records))
	for _, r := range f.Records {
		row := make(map[string]any, len(cols))
		for _, c := range cols {
			switch c {
			case ColName:
				row[c] = r.Name
			case ColDuration:
				row[c] = r.Duration
			default:
				if v := r.Value(c); !math.IsNaN(v) {
					row[c] = v
				} else {
					row[c] = nil
				}
			}
		}
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}
