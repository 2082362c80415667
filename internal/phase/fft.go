// Package phase implements the post-reconstruction phase workflow:
// wrapping, ramp removal, support-aware filtering, apodization,
// subpixel registration and correlation-gated averaging of phased
// reconstructions.
package phase

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// FFT3 computes the unnormalised forward 3D discrete Fourier transform.
func FFT3(v *volume.Volume) *volume.Volume { return fft3(v, false) }

// IFFT3 computes the inverse 3D transform, normalised by the voxel count
// so that IFFT3(FFT3(v)) == v.
func IFFT3(v *volume.Volume) *volume.Volume { return fft3(v, true) }

// FFTShift moves the zero-frequency voxel to the array centre.
func FFTShift(v *volume.Volume) *volume.Volume {
	return v.Roll(v.NZ/2, v.NY/2, v.NX/2)
}

// IFFTShift undoes FFTShift. For odd dimensions the two differ.
func IFFTShift(v *volume.Volume) *volume.Volume {
	return v.Roll(-(v.NZ / 2), -(v.NY / 2), -(v.NX / 2))
}

func fft3(v *volume.Volume, inverse bool) *volume.Volume {
	out := v.Clone()
	for axis := 0; axis < 3; axis++ {
		transformAxis(out, axis, inverse)
	}
	if inverse {
		out.Scale(complex(1/float64(out.Len()), 0))
	}
	return out
}

// transformAxis runs a 1D transform over every line of the volume along
// the given axis, in place.
func transformAxis(v *volume.Volume, axis int, inverse bool) {
	n := v.Shape()[axis]
	fft := fourier.NewCmplxFFT(n)
	line := make([]complex128, n)
	freq := make([]complex128, n)

	var stride int
	switch axis {
	case 0:
		stride = v.NY * v.NX
	case 1:
		stride = v.NX
	default:
		stride = 1
	}

	forEachLineStart(v, axis, func(start int) {
		for i := 0; i < n; i++ {
			line[i] = v.Data[start+i*stride]
		}
		if inverse {
			fft.Sequence(freq, line)
		} else {
			fft.Coefficients(freq, line)
		}
		for i := 0; i < n; i++ {
			v.Data[start+i*stride] = freq[i]
		}
	})
}

func forEachLineStart(v *volume.Volume, axis int, fn func(start int)) {
	switch axis {
	case 0:
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				fn(y*v.NX + x)
			}
		}
	case 1:
		for z := 0; z < v.NZ; z++ {
			for x := 0; x < v.NX; x++ {
				fn(z*v.NY*v.NX + x)
			}
		}
	default:
		for z := 0; z < v.NZ; z++ {
			for y := 0; y < v.NY; y++ {
				fn((z*v.NY + y) * v.NX)
			}
		}
	}
}
