package detector

import (
	"fmt"
	"math"
	"sort"
)

// Stripe is a half-open pixel range [Lo, Hi) along one detector axis.
type Stripe struct {
	Lo, Hi int
}

// Box is an axis-aligned pixel rectangle, half-open on both axes.
type Box struct {
	Y0, X0 int
	Y1, X1 int
}

// GapMask masks whole row and column stripes covering the insensitive
// areas between sensor modules.
func GapMask(ny, nx int, rows, cols []Stripe) (*Mask, error) {
	m := NewMask(ny, nx)
	for _, s := range rows {
		if s.Lo < 0 || s.Hi > ny || s.Lo >= s.Hi {
			return nil, fmt.Errorf("row stripe [%d, %d) out of range for %d rows", s.Lo, s.Hi, ny)
		}
		for y := s.Lo; y < s.Hi; y++ {
			for x := 0; x < nx; x++ {
				m.MarkBad(y, x)
			}
		}
	}
	for _, s := range cols {
		if s.Lo < 0 || s.Hi > nx || s.Lo >= s.Hi {
			return nil, fmt.Errorf("column stripe [%d, %d) out of range for %d columns", s.Lo, s.Hi, nx)
		}
		for x := s.Lo; x < s.Hi; x++ {
			for y := 0; y < ny; y++ {
				m.MarkBad(y, x)
			}
		}
	}
	return m, nil
}

// AlienMask masks rectangular regions of parasitic scattering that do
// not belong to the Bragg reflection under study.
func AlienMask(ny, nx int, boxes []Box) (*Mask, error) {
	m := NewMask(ny, nx)
	for _, b := range boxes {
		if b.Y0 < 0 || b.X0 < 0 || b.Y1 > ny || b.X1 > nx || b.Y0 >= b.Y1 || b.X0 >= b.X1 {
			return nil, fmt.Errorf("box (%d, %d, %d, %d) out of range for (%d, %d)", b.Y0, b.X0, b.Y1, b.X1, ny, nx)
		}
		for y := b.Y0; y < b.Y1; y++ {
			for x := b.X0; x < b.X1; x++ {
				m.MarkBad(y, x)
			}
		}
	}
	return m, nil
}

// HotPixels flags pixels standing out of their 8-neighbour median by
// more than sigma times the local Poisson noise, sqrt(median+1).
// Sensor gaps in skip are ignored both as candidates and as neighbours.
func HotPixels(f *Frame, skip *Mask, sigma float64) (*Mask, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("sigma must be positive, got %g", sigma)
	}
	if skip != nil && (skip.NY != f.NY || skip.NX != f.NX) {
		return nil, fmt.Errorf("skip mask shape (%d, %d) does not match frame (%d, %d)", skip.NY, skip.NX, f.NY, f.NX)
	}
	m := NewMask(f.NY, f.NX)
	neigh := make([]float64, 0, 8)
	for y := 0; y < f.NY; y++ {
		for x := 0; x < f.NX; x++ {
			if skip != nil && skip.IsBad(y, x) {
				continue
			}
			neigh = neigh[:0]
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dy == 0 && dx == 0 {
						continue
					}
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= f.NY || xx < 0 || xx >= f.NX {
						continue
					}
					if skip != nil && skip.IsBad(yy, xx) {
						continue
					}
					neigh = append(neigh, f.At(yy, xx))
				}
			}
			if len(neigh) == 0 {
				continue
			}
			med := median(neigh)
			if f.At(y, x)-med > sigma*math.Sqrt(med+1) {
				m.MarkBad(y, x)
			}
		}
	}
	return m, nil
}

// median sorts its argument in place.
func median(v []float64) float64 {
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}
