// Package strain derives lattice strain, displacement and temperature
// estimates from a phased Bragg reconstruction.
package strain

import (
	"fmt"
	"math"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// Reference axes, CXI convention: z downstream, y vertical up, x outboard.
const (
	AxisZ = "z"
	AxisY = "y"
	AxisX = "x"
)

func axisIndex(axis string) (int, error) {
	switch axis {
	case AxisZ:
		return 0, nil
	case AxisY:
		return 1, nil
	case AxisX:
		return 2, nil
	}
	return 0, fmt.Errorf("reference axis must be %q, %q or %q, got %q", AxisZ, AxisY, AxisX, axis)
}

// Displacement converts a phase field into the displacement projection
// along the scattering vector, u = phase * d / (2*pi), in the units of
// planarDistance.
func Displacement(phase []float64, planarDistance float64) []float64 {
	out := make([]float64, len(phase))
	scale := planarDistance / (2 * math.Pi)
	for i, p := range phase {
		out[i] = p * scale
	}
	return out
}

// Field computes the strain field as the derivative of the displacement
// along the reference axis, the axis the scattering vector was rotated
// onto. voxelSize is the isotropic voxel size in the units of
// planarDistance.
func Field(shape [3]int, phase []float64, planarDistance, voxelSize float64, referenceAxis string) ([]float64, error) {
	axis, err := axisIndex(referenceAxis)
	if err != nil {
		return nil, err
	}
	if voxelSize <= 0 {
		return nil, fmt.Errorf("voxel size must be positive, got %g", voxelSize)
	}
	grad, err := volume.Gradient(shape, Displacement(phase, planarDistance), axis)
	if err != nil {
		return nil, err
	}
	for i := range grad {
		grad[i] /= voxelSize
	}
	return grad, nil
}

// PlaneAngle returns the angle in degrees between two crystallographic
// planes of a cubic material.
func PlaneAngle(refPlane, plane [3]float64) (float64, error) {
	nr := norm3(refPlane)
	np := norm3(plane)
	if nr == 0 || np == 0 {
		return 0, fmt.Errorf("planes must be non-zero, got %v and %v", refPlane, plane)
	}
	if refPlane == plane {
		return 0, nil
	}
	dot := refPlane[0]*plane[0] + refPlane[1]*plane[1] + refPlane[2]*plane[2]
	c := dot / (nr * np)
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return 180 / math.Pi * math.Acos(c), nil
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}
