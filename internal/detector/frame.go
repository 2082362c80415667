// Package detector corrects and masks raw 2D detector frames before
// phasing: sensor gap stripes, hot pixels, parasitic scattering boxes,
// flat-field and monitor normalisation, and radial background removal.
package detector

import (
	"fmt"
	"math"
)

// Frame is a single 2D detector image, row-major.
type Frame struct {
	NY, NX int
	Data   []float64
}

// Mask flags detector pixels: 0 = valid, 1 = masked.
type Mask struct {
	NY, NX int
	Bad    []uint8
}

// NewFrame allocates a zeroed frame.
func NewFrame(ny, nx int) *Frame {
	return &Frame{NY: ny, NX: nx, Data: make([]float64, ny*nx)}
}

// FrameFromData wraps an existing buffer.
func FrameFromData(ny, nx int, data []float64) (*Frame, error) {
	if len(data) != ny*nx {
		return nil, fmt.Errorf("buffer length %d does not match shape (%d, %d)", len(data), ny, nx)
	}
	return &Frame{NY: ny, NX: nx, Data: data}, nil
}

// NewMask allocates an all-valid mask.
func NewMask(ny, nx int) *Mask {
	return &Mask{NY: ny, NX: nx, Bad: make([]uint8, ny*nx)}
}

func (f *Frame) Idx(y, x int) int        { return y*f.NX + x }
func (f *Frame) At(y, x int) float64     { return f.Data[f.Idx(y, x)] }
func (f *Frame) Set(y, x int, v float64) { f.Data[f.Idx(y, x)] = v }
func (m *Mask) Idx(y, x int) int         { return y*m.NX + x }
func (m *Mask) IsBad(y, x int) bool      { return m.Bad[m.Idx(y, x)] != 0 }
func (m *Mask) MarkBad(y, x int)         { m.Bad[m.Idx(y, x)] = 1 }

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	out := NewFrame(f.NY, f.NX)
	copy(out.Data, f.Data)
	return out
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := NewMask(m.NY, m.NX)
	copy(out.Bad, m.Bad)
	return out
}

// Merge ORs another mask into m in place.
func (m *Mask) Merge(other *Mask) error {
	if m.NY != other.NY || m.NX != other.NX {
		return fmt.Errorf("mask shape (%d, %d) does not match (%d, %d)", m.NY, m.NX, other.NY, other.NX)
	}
	for i, b := range other.Bad {
		if b != 0 {
			m.Bad[i] = 1
		}
	}
	return nil
}

// BadCount returns the number of masked pixels.
func (m *Mask) BadCount() int {
	n := 0
	for _, b := range m.Bad {
		if b != 0 {
			n++
		}
	}
	return n
}

// BadFraction returns the masked fraction of the detector area.
func (m *Mask) BadFraction() float64 {
	return float64(m.BadCount()) / float64(len(m.Bad))
}

// Apply zeroes the masked pixels of the frame in place.
func (f *Frame) Apply(m *Mask) error {
	if f.NY != m.NY || f.NX != m.NX {
		return fmt.Errorf("frame shape (%d, %d) does not match mask (%d, %d)", f.NY, f.NX, m.NY, m.NX)
	}
	for i, b := range m.Bad {
		if b != 0 {
			f.Data[i] = 0
		}
	}
	return nil
}

// Max returns the maximum pixel value.
func (f *Frame) Max() float64 {
	max := math.Inf(-1)
	for _, v := range f.Data {
		if v > max {
			max = v
		}
	}
	return max
}

// Sum returns the integrated intensity.
func (f *Frame) Sum() float64 {
	s := 0.0
	for _, v := range f.Data {
		s += v
	}
	return s
}
