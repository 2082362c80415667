// Package report renders run artefacts as PNG plots: radial averages
// with their fitted background, strain histograms and angular
// cross-correlation curves.
package report

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/beamline-data/bragg.report/internal/detector"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 5 * vg.Inch
)

// RadialAveragePlot writes the angular average and, when non-nil, the
// fitted background overlay. Log-scale backgrounds must be exponentiated
// by the caller first.
func RadialAveragePlot(profile *detector.RadialProfile, background []float64, path string) error {
	if background != nil && len(background) != len(profile.Average) {
		return fmt.Errorf("background length %d does not match profile %d", len(background), len(profile.Average))
	}

	p := plot.New()
	p.Title.Text = "Angular average"
	p.X.Label.Text = "q (pixels)"
	p.Y.Label.Text = "intensity (a.u.)"

	avgLine, err := plotter.NewLine(profileXYs(profile.Distances, profile.Average))
	if err != nil {
		return fmt.Errorf("average line: %w", err)
	}
	avgLine.Color = color.RGBA{R: 200, A: 255}
	avgLine.Width = vg.Points(1)
	p.Add(avgLine)
	p.Legend.Add("average", avgLine)

	if background != nil {
		bgLine, err := plotter.NewLine(profileXYs(profile.Distances, background))
		if err != nil {
			return fmt.Errorf("background line: %w", err)
		}
		bgLine.Color = color.RGBA{B: 200, A: 255}
		bgLine.Width = vg.Points(1)
		bgLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(bgLine)
		p.Legend.Add("background", bgLine)
	}

	p.Legend.Top = true
	return p.Save(plotWidth, plotHeight, path)
}

// StrainHistogramPlot writes a bar chart of the binned strain field.
func StrainHistogramPlot(edges []float64, counts []int, path string) error {
	if len(edges) != len(counts)+1 {
		return fmt.Errorf("%d edges do not bound %d bins", len(edges), len(counts))
	}
	if len(counts) == 0 {
		return fmt.Errorf("empty histogram")
	}

	vals := make(plotter.Values, len(counts))
	for i, c := range counts {
		vals[i] = float64(c)
	}
	bars, err := plotter.NewBarChart(vals, vg.Points(8))
	if err != nil {
		return fmt.Errorf("bar chart: %w", err)
	}
	bars.Color = color.RGBA{R: 60, G: 100, B: 180, A: 255}
	bars.LineStyle.Width = 0

	p := plot.New()
	p.Title.Text = "Strain distribution over the bulk"
	p.X.Label.Text = "strain"
	p.Y.Label.Text = "voxels"
	p.Add(bars)

	labels := make([]string, len(counts))
	for i := range counts {
		center := (edges[i] + edges[i+1]) / 2
		labels[i] = fmt.Sprintf("%.1e", center)
	}
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = math.Pi / 3
	p.X.Tick.Label.XAlign = -0.9

	return p.Save(plotWidth, plotHeight, path)
}

// CCFPlot writes the angular cross-correlation curve with the number of
// contributing pairs annotated in the legend.
func CCFPlot(angles, ccf []float64, points []int, path string) error {
	if len(angles) != len(ccf) {
		return fmt.Errorf("angles length %d does not match ccf %d", len(angles), len(ccf))
	}
	if points != nil && len(points) != len(ccf) {
		return fmt.Errorf("points length %d does not match ccf %d", len(points), len(ccf))
	}

	p := plot.New()
	p.Title.Text = "Angular cross-correlation"
	p.X.Label.Text = "angle (deg)"
	p.Y.Label.Text = "CCF"

	line, err := plotter.NewLine(profileXYs(angles, ccf))
	if err != nil {
		return fmt.Errorf("ccf line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	label := "ccf"
	if points != nil {
		total := 0
		for _, n := range points {
			total += n
		}
		label = fmt.Sprintf("ccf (%d pairs)", total)
	}
	p.Legend.Add(label, line)
	p.Legend.Top = true

	return p.Save(plotWidth, plotHeight, path)
}

// profileXYs converts parallel slices into plot points, skipping NaNs.
func profileXYs(xs, ys []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(xs))
	for i := range xs {
		if math.IsNaN(ys[i]) {
			continue
		}
		pts = append(pts, plotter.XY{X: xs[i], Y: ys[i]})
	}
	return pts
}
