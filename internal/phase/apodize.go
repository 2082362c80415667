package phase

import (
	"fmt"
	"math"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// Apodize multiplies the object's diffraction pattern by a centred 3D
// Gaussian window with standard deviation sigma*n along each axis, then
// transforms back and rescales to the original maximum amplitude.
// Damping the high spatial frequencies suppresses the ringing that phase
// retrieval leaves at the crystal surface.
func Apodize(v *volume.Volume, sigma float64) (*volume.Volume, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("window sigma must be positive, got %g", sigma)
	}
	maxBefore := v.MaxAmplitude()

	diff := FFTShift(FFT3(v))
	cz := float64(diff.NZ) / 2
	cy := float64(diff.NY) / 2
	cx := float64(diff.NX) / 2
	sz := sigma * float64(diff.NZ)
	sy := sigma * float64(diff.NY)
	sx := sigma * float64(diff.NX)
	for z := 0; z < diff.NZ; z++ {
		for y := 0; y < diff.NY; y++ {
			for x := 0; x < diff.NX; x++ {
				dz := (float64(z) - cz) / sz
				dy := (float64(y) - cy) / sy
				dx := (float64(x) - cx) / sx
				w := math.Exp(-(dz*dz + dy*dy + dx*dx) / 2)
				i := diff.Idx(z, y, x)
				diff.Data[i] *= complex(w, 0)
			}
		}
	}
	out := IFFT3(IFFTShift(diff))

	if maxAfter := out.MaxAmplitude(); maxAfter > 0 {
		out.Scale(complex(maxBefore/maxAfter, 0))
	}
	return out, nil
}
