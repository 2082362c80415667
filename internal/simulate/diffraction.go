// Package simulate produces synthetic diffraction intensities from a
// complex object, for testing the preprocessing chain without beamtime.
package simulate

import (
	"fmt"
	"math/cmplx"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/beamline-data/bragg.report/internal/detector"
	"github.com/beamline-data/bragg.report/internal/phase"
	"github.com/beamline-data/bragg.report/internal/volume"
)

// Options controls the forward model.
type Options struct {
	MaxPhotons float64 // scale the pattern so its maximum equals this; 0 keeps raw values
	Poisson    bool    // draw photon counts from the scaled intensity
	Seed       uint64
	GapRows    []detector.Stripe // sensor gaps along Y, applied to every frame
	GapCols    []detector.Stripe // sensor gaps along X
}

// Diffract computes the far-field intensity of the object: centred 3D
// FFT, squared modulus, optional photon-count scaling, Poisson noise and
// detector gap masking. The result has the object's shape, Z being the
// rocking direction.
func Diffract(obj *volume.Volume, opt Options) ([]float64, error) {
	if opt.MaxPhotons < 0 {
		return nil, fmt.Errorf("max photons must not be negative, got %g", opt.MaxPhotons)
	}

	far := phase.FFTShift(phase.FFT3(obj))
	intensity := make([]float64, far.Len())
	maxI := 0.0
	for i, c := range far.Data {
		v := cmplx.Abs(c)
		intensity[i] = v * v
		if intensity[i] > maxI {
			maxI = intensity[i]
		}
	}

	if opt.MaxPhotons > 0 && maxI > 0 {
		scale := opt.MaxPhotons / maxI
		for i := range intensity {
			intensity[i] *= scale
		}
	}

	if opt.Poisson {
		src := rand.NewSource(opt.Seed)
		for i, lambda := range intensity {
			if lambda <= 0 {
				intensity[i] = 0
				continue
			}
			intensity[i] = distuv.Poisson{Lambda: lambda, Src: src}.Rand()
		}
	}

	if len(opt.GapRows) > 0 || len(opt.GapCols) > 0 {
		gaps, err := detector.GapMask(obj.NY, obj.NX, opt.GapRows, opt.GapCols)
		if err != nil {
			return nil, err
		}
		for z := 0; z < obj.NZ; z++ {
			base := z * obj.NY * obj.NX
			for i, b := range gaps.Bad {
				if b != 0 {
					intensity[base+i] = 0
				}
			}
		}
	}
	return intensity, nil
}
