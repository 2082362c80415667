package phase

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// Alignment methods for combining reconstructions.
const (
	AlignDFT = "dft" // subpixel cross-correlation registration
	AlignCOM = "com" // whole-voxel centre-of-mass matching
)

// Align shifts moving onto reference using the given method and returns
// the aligned copy.
func Align(reference, moving *volume.Volume, method string) (*volume.Volume, error) {
	if reference.Shape() != moving.Shape() {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", reference.Shape(), moving.Shape())
	}
	switch method {
	case AlignDFT:
		shift, err := RegisterTranslation(reference, moving)
		if err != nil {
			return nil, err
		}
		return SubpixelShift(moving, shift[0], shift[1], shift[2]), nil
	case AlignCOM:
		rz, ry, rx := reference.CenterOfMass()
		mz, my, mx := moving.CenterOfMass()
		return moving.Roll(
			int(math.Round(rz-mz)),
			int(math.Round(ry-my)),
			int(math.Round(rx-mx)),
		), nil
	default:
		return nil, fmt.Errorf("unknown alignment method %q", method)
	}
}

// Correlation computes the Pearson correlation of the two amplitude
// distributions over the reference support (|reference| above
// threshold*max). Identical objects score 1.
func Correlation(reference, other *volume.Volume, threshold float64) (float64, error) {
	if reference.Shape() != other.Shape() {
		return 0, fmt.Errorf("shape mismatch: %v vs %v", reference.Shape(), other.Shape())
	}
	support := reference.Support(threshold)
	if support.Count() < 2 {
		return 0, fmt.Errorf("support too small at threshold %g", threshold)
	}
	ra := reference.Amplitude()
	oa := other.Amplitude()
	a := make([]float64, 0, support.Count())
	b := make([]float64, 0, support.Count())
	for i, in := range support.In {
		if in != 0 {
			a = append(a, ra[i])
			b = append(b, oa[i])
		}
	}
	return stat.Correlation(a, b, nil), nil
}

// AverageResult reports the outcome of correlation-gated averaging.
type AverageResult struct {
	Average      *volume.Volume
	Correlations []float64 // per candidate, aligned order
	Included     int       // candidates that passed the gate, reference excluded
}

// AverageAligned aligns every candidate onto the reference and averages
// the ones whose amplitude correlation with the reference reaches
// corrThreshold. The reference always contributes. Each contribution is
// scaled to unit peak amplitude first so a bright reconstruction cannot
// dominate the mean. supportThreshold selects the voxels the correlation
// is measured on.
func AverageAligned(reference *volume.Volume, candidates []*volume.Volume, method string, corrThreshold, supportThreshold float64) (AverageResult, error) {
	res := AverageResult{
		Average:      reference.Clone().Normalise(),
		Correlations: make([]float64, len(candidates)),
	}
	for i, cand := range candidates {
		aligned, err := Align(reference, cand, method)
		if err != nil {
			return AverageResult{}, fmt.Errorf("candidate %d: %w", i, err)
		}
		corr, err := Correlation(reference, aligned, supportThreshold)
		if err != nil {
			return AverageResult{}, fmt.Errorf("candidate %d: %w", i, err)
		}
		res.Correlations[i] = corr
		if corr < corrThreshold {
			continue
		}
		aligned.Normalise()
		for j := range res.Average.Data {
			res.Average.Data[j] += aligned.Data[j]
		}
		res.Included++
	}
	res.Average.Scale(complex(1/float64(res.Included+1), 0))
	return res, nil
}
