package strain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// Summary condenses a strain or displacement field over the crystal bulk.
type Summary struct {
	Voxels int
	Mean   float64
	Std    float64
	RMS    float64
	Min    float64
	Max    float64
}

// Summarize reduces the field over the bulk mask. Voxels outside the
// bulk carry phase-retrieval artefacts and are excluded.
func Summarize(field []float64, bulk *volume.Mask) (Summary, error) {
	if len(field) != len(bulk.In) {
		return Summary{}, fmt.Errorf("field length %d does not match mask length %d", len(field), len(bulk.In))
	}
	vals := make([]float64, 0, bulk.Count())
	for i, in := range bulk.In {
		if in != 0 {
			vals = append(vals, field[i])
		}
	}
	if len(vals) == 0 {
		return Summary{}, fmt.Errorf("empty bulk")
	}

	mean, std := stat.MeanStdDev(vals, nil)
	sumSq := 0.0
	for _, v := range vals {
		sumSq += v * v
	}
	return Summary{
		Voxels: len(vals),
		Mean:   mean,
		Std:    std,
		RMS:    math.Sqrt(sumSq / float64(len(vals))),
		Min:    floats.Min(vals),
		Max:    floats.Max(vals),
	}, nil
}

// Histogram bins the field over the bulk mask into nbins equal-width
// bins spanning [min, max]. Returns the bin edges (nbins+1) and counts.
func Histogram(field []float64, bulk *volume.Mask, nbins int) (edges []float64, counts []int, err error) {
	if nbins < 1 {
		return nil, nil, fmt.Errorf("nbins must be at least 1, got %d", nbins)
	}
	s, err := Summarize(field, bulk)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := s.Min, s.Max
	if lo == hi {
		hi = lo + 1e-12
	}
	edges = make([]float64, nbins+1)
	for i := range edges {
		edges[i] = lo + (hi-lo)*float64(i)/float64(nbins)
	}
	counts = make([]int, nbins)
	width := (hi - lo) / float64(nbins)
	for i, in := range bulk.In {
		if in == 0 {
			continue
		}
		b := int((field[i] - lo) / width)
		if b >= nbins {
			b = nbins - 1
		}
		if b < 0 {
			b = 0
		}
		counts[b]++
	}
	return edges, counts, nil
}
