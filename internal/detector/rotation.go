package detector

import (
	"fmt"
	"math"
)

// RotationCorrection is the relative stage move that brings the crystal
// onto the centre of rotation, in the units of the piy scan positions.
type RotationCorrection struct {
	Piz float64 // along the beam
	Piy float64 // vertical
}

// CenterOfRotation derives the correction from two piy scans of the
// particle taken at two eta incidence angles (degrees). The intersection
// of the two sight lines locates the particle relative to the rotation
// axis.
func CenterOfRotation(piy [2]float64, etaDeg [2]float64) (RotationCorrection, error) {
	t0 := math.Tan(etaDeg[0] * math.Pi / 180)
	t1 := math.Tan(etaDeg[1] * math.Pi / 180)
	if t0 == t1 {
		return RotationCorrection{}, fmt.Errorf("eta angles must differ, got %g and %g", etaDeg[0], etaDeg[1])
	}
	piz := (piy[1] - piy[0]) * t0 * t1 / (t1 - t0)
	mid := math.Tan((etaDeg[0] + etaDeg[1]) * math.Pi / 180 / 2)
	if mid == 0 {
		return RotationCorrection{}, fmt.Errorf("mean eta angle must be non-zero")
	}
	return RotationCorrection{Piz: piz, Piy: piz / mid}, nil
}
