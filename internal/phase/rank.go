package phase

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// Quality holds the figures of merit used to order reconstructions of
// the same dataset. Lower is better for every field.
type Quality struct {
	InvMeanAmplitude  float64 // 1 / mean support amplitude
	Variance          float64 // amplitude variance over the support
	IndexOfDispersion float64 // variance / mean
	InvVolume         float64 // 1 / support voxel count
}

// MeasureQuality evaluates a normalised reconstruction against the
// support defined by threshold*max amplitude. An empty support reports
// worst-possible metrics rather than an error so ranking stays total.
func MeasureQuality(v *volume.Volume, threshold float64) Quality {
	worst := Quality{
		InvMeanAmplitude:  1e30,
		Variance:          1e30,
		IndexOfDispersion: 1e30,
		InvVolume:         1e30,
	}
	support := v.Support(threshold)
	n := support.Count()
	if n == 0 {
		return worst
	}
	amp := v.Amplitude()
	vals := make([]float64, 0, n)
	for i, in := range support.In {
		if in != 0 {
			vals = append(vals, amp[i])
		}
	}
	mean, variance := stat.MeanVariance(vals, nil)
	if mean == 0 {
		return worst
	}
	return Quality{
		InvMeanAmplitude:  1 / mean,
		Variance:          variance,
		IndexOfDispersion: variance / mean,
		InvVolume:         1 / float64(n),
	}
}

// less orders qualities lexicographically: mean amplitude first, then
// variance, dispersion and volume as tie breakers.
func (q Quality) less(o Quality) bool {
	if q.InvMeanAmplitude != o.InvMeanAmplitude {
		return q.InvMeanAmplitude < o.InvMeanAmplitude
	}
	if q.Variance != o.Variance {
		return q.Variance < o.Variance
	}
	if q.IndexOfDispersion != o.IndexOfDispersion {
		return q.IndexOfDispersion < o.IndexOfDispersion
	}
	return q.InvVolume < o.InvVolume
}

// Rank orders reconstructions best-first and returns their indices into
// the input slice together with the measured qualities (input order).
// Volumes are normalised to unit maximum amplitude before measuring so
// arbitrary reconstruction scaling does not bias the comparison.
func Rank(recons []*volume.Volume, threshold float64) ([]int, []Quality) {
	quals := make([]Quality, len(recons))
	order := make([]int, len(recons))
	for i, r := range recons {
		quals[i] = MeasureQuality(r.Clone().Normalise(), threshold)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return quals[order[a]].less(quals[order[b]])
	})
	return order, quals
}
