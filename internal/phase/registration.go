package phase

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// RegisterTranslation estimates the (dz, dy, dx) translation that maps
// moving onto reference: applying the returned shift to moving maximises
// its overlap with reference. The integer peak of the Fourier
// cross-correlation is refined to subpixel precision by a parabolic fit
// along each axis.
func RegisterTranslation(reference, moving *volume.Volume) ([3]float64, error) {
	if reference.Shape() != moving.Shape() {
		return [3]float64{}, fmt.Errorf("shape mismatch: %v vs %v", reference.Shape(), moving.Shape())
	}

	fr := FFT3(reference)
	fm := FFT3(moving)
	for i := range fr.Data {
		fr.Data[i] *= cmplx.Conj(fm.Data[i])
	}
	cc := IFFT3(fr)

	mag := cc.Amplitude()
	peak := 0
	for i, m := range mag {
		if m > mag[peak] {
			peak = i
		}
	}
	px := peak % cc.NX
	py := (peak / cc.NX) % cc.NY
	pz := peak / (cc.NX * cc.NY)

	shift := [3]float64{
		refinePeak(cc, mag, pz, py, px, 0),
		refinePeak(cc, mag, pz, py, px, 1),
		refinePeak(cc, mag, pz, py, px, 2),
	}
	// Fold wrapped peaks onto the signed shift range.
	for a, n := range []int{cc.NZ, cc.NY, cc.NX} {
		if shift[a] > float64(n)/2 {
			shift[a] -= float64(n)
		}
	}
	return shift, nil
}

// refinePeak fits a parabola through the correlation magnitude at the
// integer peak and its two periodic neighbours along one axis.
func refinePeak(cc *volume.Volume, mag []float64, pz, py, px, axis int) float64 {
	p := [3]int{pz, py, px}
	n := cc.Shape()[axis]

	at := func(d int) float64 {
		q := p
		q[axis] = ((q[axis]+d)%n + n) % n
		return mag[cc.Idx(q[0], q[1], q[2])]
	}
	c0, cm, cp := at(0), at(-1), at(1)
	denom := cm - 2*c0 + cp
	frac := 0.0
	if denom != 0 {
		frac = 0.5 * (cm - cp) / denom
	}
	if math.Abs(frac) > 1 { // degenerate fit, trust the integer peak
		frac = 0
	}
	return float64(p[axis]) + frac
}

// SubpixelShift translates v by a fractional number of voxels through a
// linear phase ramp in reciprocal space. Content wraps around the array
// edges as in a circular shift.
func SubpixelShift(v *volume.Volume, dz, dy, dx float64) *volume.Volume {
	f := FFT3(v)
	for z := 0; z < f.NZ; z++ {
		kz := signedFreq(z, f.NZ)
		for y := 0; y < f.NY; y++ {
			ky := signedFreq(y, f.NY)
			for x := 0; x < f.NX; x++ {
				kx := signedFreq(x, f.NX)
				arg := -2 * math.Pi * (kz*dz/float64(f.NZ) + ky*dy/float64(f.NY) + kx*dx/float64(f.NX))
				f.Data[f.Idx(z, y, x)] *= cis(arg)
			}
		}
	}
	return IFFT3(f)
}

func signedFreq(i, n int) float64 {
	if i > n/2 {
		return float64(i - n)
	}
	return float64(i)
}
