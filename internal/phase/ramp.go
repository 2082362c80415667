package phase

import (
	"fmt"
	"math"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// Wrap maps an angle onto [-pi, pi).
func Wrap(phi float64) float64 {
	m := math.Mod(phi+math.Pi, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	return m - math.Pi
}

// WrapField wraps every element of a phase field in place and returns it.
func WrapField(phi []float64) []float64 {
	for i, p := range phi {
		phi[i] = Wrap(p)
	}
	return phi
}

// RampResult reports the linear phase ramp removed from an object.
type RampResult struct {
	GradZ, GradY, GradX float64 // mean phase gradient over the support
}

// RemoveRamp subtracts the average linear phase ramp from v. The ramp is
// estimated as the mean of the phase gradient over the support (voxels
// with |v| > threshold*max); subtracting it centres the object's phase
// without touching its amplitude. A ramp left in the phase shows up as a
// spurious displacement offset downstream.
func RemoveRamp(v *volume.Volume, threshold float64) (*volume.Volume, RampResult, error) {
	phi := v.Phase()
	shape := v.Shape()

	var res RampResult
	grads := [3]*float64{&res.GradZ, &res.GradY, &res.GradX}
	support := v.Support(threshold)
	n := support.Count()
	if n == 0 {
		return nil, res, fmt.Errorf("empty support at threshold %g", threshold)
	}
	for axis := 0; axis < 3; axis++ {
		g, err := volume.Gradient(shape, phi, axis)
		if err != nil {
			return nil, res, err
		}
		sum := 0.0
		for i, in := range support.In {
			if in != 0 {
				sum += g[i]
			}
		}
		*grads[axis] = sum / float64(n)
	}

	out := v.Clone()
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				ramp := res.GradZ*float64(z) + res.GradY*float64(y) + res.GradX*float64(x)
				i := v.Idx(z, y, x)
				out.Data[i] = v.Data[i] * cis(-ramp)
			}
		}
	}
	return out, res, nil
}

func cis(phi float64) complex128 {
	s, c := math.Sincos(phi)
	return complex(c, s)
}
