package volume

import "fmt"

// Gradient differentiates a scalar field along one axis with unit
// spacing: central differences in the interior, one-sided differences at
// the edges. Axes with a single element get a zero derivative.
func Gradient(shape [3]int, field []float64, axis int) ([]float64, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("axis must be 0, 1 or 2, got %d", axis)
	}
	nz, ny, nx := shape[0], shape[1], shape[2]
	if len(field) != nz*ny*nx {
		return nil, fmt.Errorf("field length %d does not match shape %v", len(field), shape)
	}
	idx := func(z, y, x int) int { return (z*ny+y)*nx + x }
	at := func(z, y, x int, d int) int {
		switch axis {
		case 0:
			return idx(z+d, y, x)
		case 1:
			return idx(z, y+d, x)
		default:
			return idx(z, y, x+d)
		}
	}
	n := shape[axis]
	out := make([]float64, len(field))
	if n < 2 {
		return out, nil
	}

	pos := func(z, y, x int) int {
		switch axis {
		case 0:
			return z
		case 1:
			return y
		default:
			return x
		}
	}
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := idx(z, y, x)
				switch p := pos(z, y, x); {
				case p == 0:
					out[i] = field[at(z, y, x, 1)] - field[i]
				case p == n-1:
					out[i] = field[i] - field[at(z, y, x, -1)]
				default:
					out[i] = (field[at(z, y, x, 1)] - field[at(z, y, x, -1)]) / 2
				}
			}
		}
	}
	return out, nil
}
