// Package projection maps directions on the orientation sphere onto the
// equatorial plane for pole-figure style views of q-vectors and facet
// normals.
package projection

import (
	"fmt"
	"math"
)

// Direction is a 3D direction with an intensity weight attached, CXI
// component order (X, Y, Z).
type Direction struct {
	V [3]float64
	W float64
}

// Point is a projected direction in the equatorial plane.
type Point struct {
	X, Y float64
	W    float64
}

// Poles to project from. Directions too close to the projecting pole map
// towards infinity and are dropped.
const (
	SouthPole = "south"
	NorthPole = "north"
)

// poleCutoff drops directions whose projection denominator 1±z falls
// below it, bounding the projected radius.
const poleCutoff = 1e-3

// Stereographic projects the directions onto the equatorial plane from
// the given pole, scaled so the equator maps to radius scale. Directions
// are normalised first; zero vectors are rejected. The returned dropped
// count tells how many directions fell inside the pole cutoff.
func Stereographic(dirs []Direction, pole string, scale float64) (points []Point, dropped int, err error) {
	if scale <= 0 {
		return nil, 0, fmt.Errorf("scale must be positive, got %g", scale)
	}
	var sign float64
	switch pole {
	case SouthPole:
		sign = 1
	case NorthPole:
		sign = -1
	default:
		return nil, 0, fmt.Errorf("pole must be %q or %q, got %q", SouthPole, NorthPole, pole)
	}

	points = make([]Point, 0, len(dirs))
	for i, d := range dirs {
		n := math.Sqrt(d.V[0]*d.V[0] + d.V[1]*d.V[1] + d.V[2]*d.V[2])
		if n == 0 {
			return nil, 0, fmt.Errorf("direction %d is the zero vector", i)
		}
		x, y, z := d.V[0]/n, d.V[1]/n, d.V[2]/n
		denom := 1 + sign*z
		if denom < poleCutoff {
			dropped++
			continue
		}
		points = append(points, Point{
			X: scale * x / denom,
			Y: scale * y / denom,
			W: d.W,
		})
	}
	return points, dropped, nil
}
