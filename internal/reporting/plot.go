// Package reporting renders benchmark frames as plots, tables and
// regression checks.
package reporting

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/font"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/FairForge/inferbench/internal/results"
)

// Panel is one subplot of the metrics grid.
type Panel struct {
	Metric string
	Title  string
	YLabel string
}

// Panels are drawn left to right, top to bottom.
var Panels = []Panel{
	{results.ColInterTokenLatency, "Inter Token Latency P90 (lower is better)", "Time (ms)"},
	{results.ColTimeToFirstToken, "TTFT P90 (lower is better)", "Time (ms)"},
	{results.ColEndToEndLatency, "End to End Latency P90 (lower is better)", "Time (ms)"},
	{results.ColTokensThroughput, "Request Output Throughput P90 (higher is better)", "Tokens/s"},
	{results.ColRequestsOK, "Successful requests (higher is better)", "Count"},
	{results.ColErrorRate, "Error rate (lower is better)", "%"},
}

// Palette cycles across engine names.
var Palette = []string{"#FF9D00", "#2F5BA1"}

const (
	gridRows = 3
	gridCols = 2

	figWidth  = 15 * vg.Inch
	figHeight = 20 * vg.Inch
	titleBand = 1 * vg.Inch
)

// Title is the figure heading for a test type.
func Title(testType results.TestType, model string) string {
	if testType == results.ConstantVUs {
		return "Constant VUs Load Test\n" + model
	}
	return "Constant Arrival Rate Load Test\n" + model
}

// XLabel names the swept dimension.
func XLabel(testType results.TestType) string {
	if testType == results.ConstantVUs {
		return "VUS"
	}
	return "Requests/s"
}

// PlotMetrics draws the 3x2 metrics grid for every engine in frame and
// writes <saveName>.png. It returns the written path.
func PlotMetrics(model string, frame *results.Frame, saveName string) (string, error) {
	plots := make([][]*plot.Plot, gridRows)
	for i := range plots {
		plots[i] = make([]*plot.Plot, gridCols)
	}
	for i, panel := range Panels {
		p, err := panelPlot(frame, panel)
		if err != nil {
			return "", err
		}
		plots[i/gridCols][i%gridCols] = p
	}

	img := vgimg.New(figWidth, figHeight)
	dc := draw.New(img)
	dc.SetColor(color.White)
	dc.Fill(dc.Rectangle.Path())

	dc.FillText(text.Style{
		Color:   color.Black,
		Font:    font.From(plot.DefaultFont, 16),
		XAlign:  text.XCenter,
		YAlign:  text.YTop,
		Handler: plot.DefaultTextHandler,
	}, vg.Point{X: dc.Center().X, Y: dc.Max.Y - vg.Points(12)}, Title(frame.TestType, model))

	body := dc
	body.Max.Y -= titleBand
	tiles := draw.Tiles{
		Rows:      gridRows,
		Cols:      gridCols,
		PadX:      vg.Millimeter * 10,
		PadY:      vg.Millimeter * 10,
		PadTop:    vg.Millimeter * 5,
		PadBottom: vg.Millimeter * 15,
		PadLeft:   vg.Millimeter * 10,
		PadRight:  vg.Millimeter * 10,
	}
	canvases := plot.Align(plots, tiles, body)
	for r := range plots {
		for c := range plots[r] {
			plots[r][c].Draw(canvases[r][c])
		}
	}

	path := saveName + ".png"
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("reporting: mkdir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("reporting: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return "", fmt.Errorf("reporting: write %s: %w", path, err)
	}
	return path, nil
}

func panelPlot(frame *results.Frame, panel Panel) (*plot.Plot, error) {
	xcol := frame.TestType.XColumn()

	p := plot.New()
	p.Title.Text = panel.Title
	p.X.Label.Text = XLabel(frame.TestType)
	p.Y.Label.Text = panel.YLabel

	grid := plotter.NewGrid()
	grid.Vertical.Color = nil
	grid.Horizontal.Width = vg.Points(0.5)
	grid.Horizontal.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(grid)

	p.Legend.Top = true
	p.Legend.Add("Engine")

	drawn := false
	for i, name := range frame.Names() {
		sorted := frame.Filter(name).SortBy(xcol)
		pts := make(plotter.XYs, 0, len(sorted.Records))
		for _, r := range sorted.Records {
			x, y := r.Value(xcol), r.Value(panel.Metric)
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: x, Y: y})
		}
		if len(pts) == 0 {
			continue
		}

		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("reporting: %s %s: %w", panel.Metric, name, err)
		}
		c := hexColor(Palette[i%len(Palette)])
		line.Color = c
		points.Color = c
		points.Shape = draw.CircleGlyph{}
		p.Add(line, points)
		p.Legend.Add(name, line, points)
		drawn = true
	}
	if !drawn {
		p.X.Min, p.X.Max = 0, 1
		p.Y.Min, p.Y.Max = 0, 1
	}
	return p, nil
}

// hexColor parses #RRGGBB.
func hexColor(s string) color.Color {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return color.Black
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
