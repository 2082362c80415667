package detector

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// Background scales for the radial fit.
const (
	ScaleLinear = "linear"
	ScaleLog    = "log"
)

// RadialProfile is the angular average of a frame around a centre:
// mean intensity per integer-radius ring. Rings with no valid pixel
// carry NaN.
type RadialProfile struct {
	Distances []float64 // ring radius in pixels
	Average   []float64
}

// RadialAverage averages the frame over rings centred on (cy, cx),
// skipping masked pixels.
func RadialAverage(f *Frame, mask *Mask, cy, cx float64) (*RadialProfile, error) {
	if mask != nil && (mask.NY != f.NY || mask.NX != f.NX) {
		return nil, fmt.Errorf("mask shape (%d, %d) does not match frame (%d, %d)", mask.NY, mask.NX, f.NY, f.NX)
	}
	maxR := 0
	for _, corner := range [][2]float64{{0, 0}, {0, float64(f.NX - 1)}, {float64(f.NY - 1), 0}, {float64(f.NY - 1), float64(f.NX - 1)}} {
		r := int(math.Hypot(corner[0]-cy, corner[1]-cx))
		if r > maxR {
			maxR = r
		}
	}

	sums := make([]float64, maxR+1)
	counts := make([]int, maxR+1)
	for y := 0; y < f.NY; y++ {
		for x := 0; x < f.NX; x++ {
			if mask != nil && mask.IsBad(y, x) {
				continue
			}
			r := int(math.Round(math.Hypot(float64(y)-cy, float64(x)-cx)))
			if r > maxR {
				r = maxR
			}
			sums[r] += f.At(y, x)
			counts[r]++
		}
	}

	p := &RadialProfile{
		Distances: make([]float64, maxR+1),
		Average:   make([]float64, maxR+1),
	}
	for r := 0; r <= maxR; r++ {
		p.Distances[r] = float64(r)
		if counts[r] == 0 {
			p.Average[r] = math.NaN()
			continue
		}
		p.Average[r] = sums[r] / float64(counts[r])
	}
	return p, nil
}

// FitBackground interpolates a piecewise-linear background through the
// anchor abscissas: each anchor x is snapped to the nearest profile
// distance and the profile value there (log10 when scale is "log") is
// used as the knot ordinate. Outside the anchor span the edge segments
// are extended.
func FitBackground(p *RadialProfile, anchors []float64, scale string) ([]float64, error) {
	if scale != ScaleLinear && scale != ScaleLog {
		return nil, fmt.Errorf("scale must be %q or %q, got %q", ScaleLinear, ScaleLog, scale)
	}
	if len(anchors) < 2 {
		return nil, fmt.Errorf("need at least 2 anchor points, got %d", len(anchors))
	}

	type knot struct{ x, y float64 }
	knots := make([]knot, 0, len(anchors))
	for _, ax := range anchors {
		i := nearestIndex(p.Distances, ax)
		v := p.Average[i]
		if math.IsNaN(v) {
			return nil, fmt.Errorf("anchor %g falls on an empty ring", ax)
		}
		if scale == ScaleLog {
			if v <= 0 {
				return nil, fmt.Errorf("anchor %g has non-positive intensity %g, cannot fit in log scale", ax, v)
			}
			v = math.Log10(v)
		}
		knots = append(knots, knot{p.Distances[i], v})
	}
	sort.Slice(knots, func(a, b int) bool { return knots[a].x < knots[b].x })
	// Collapse duplicate abscissas from anchors snapping to the same ring.
	uniq := knots[:1]
	for _, k := range knots[1:] {
		if k.x != uniq[len(uniq)-1].x {
			uniq = append(uniq, k)
		}
	}
	if len(uniq) < 2 {
		return nil, fmt.Errorf("anchors collapse to a single ring")
	}
	xs := make([]float64, len(uniq))
	ys := make([]float64, len(uniq))
	for i, k := range uniq {
		xs[i] = k.x
		ys[i] = k.y
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("background fit: %w", err)
	}
	slopeLo := (ys[1] - ys[0]) / (xs[1] - xs[0])
	slopeHi := (ys[len(ys)-1] - ys[len(ys)-2]) / (xs[len(xs)-1] - xs[len(xs)-2])

	bg := make([]float64, len(p.Distances))
	for i, x := range p.Distances {
		switch {
		case x < xs[0]:
			bg[i] = ys[0] + slopeLo*(x-xs[0])
		case x > xs[len(xs)-1]:
			bg[i] = ys[len(ys)-1] + slopeHi*(x-xs[len(xs)-1])
		default:
			bg[i] = pl.Predict(x)
		}
	}
	return bg, nil
}

// SubtractBackground removes a fitted background from the profile. In
// linear scale negatives clamp to 0; in log scale the background is
// exponentiated first and the floor is 1 count so log plots stay finite.
func SubtractBackground(p *RadialProfile, background []float64, scale string) (*RadialProfile, error) {
	if len(background) != len(p.Average) {
		return nil, fmt.Errorf("background length %d does not match profile %d", len(background), len(p.Average))
	}
	out := &RadialProfile{
		Distances: append([]float64(nil), p.Distances...),
		Average:   make([]float64, len(p.Average)),
	}
	for i, v := range p.Average {
		if math.IsNaN(v) {
			out.Average[i] = v
			continue
		}
		switch scale {
		case ScaleLinear:
			d := v - background[i]
			if d <= 0 {
				d = 0
			}
			out.Average[i] = d
		case ScaleLog:
			d := v - math.Pow(10, background[i])
			if d <= 1 {
				d = 1
			}
			out.Average[i] = d
		default:
			return nil, fmt.Errorf("scale must be %q or %q, got %q", ScaleLinear, ScaleLog, scale)
		}
	}
	return out, nil
}

func nearestIndex(xs []float64, x float64) int {
	best := 0
	bestD := math.Inf(1)
	for i, v := range xs {
		if d := math.Abs(v - x); d < bestD {
			bestD = d
			best = i
		}
	}
	return best
}
