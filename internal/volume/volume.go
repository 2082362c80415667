// Package volume provides dense 3D complex volumes and the geometric
// operations used across preprocessing and postprocessing: centred
// crop/pad, circular roll, centre-of-mass and peak centring, support
// extraction and interpolation-based resampling.
//
// Axis convention follows CXI ordering: axis 0 is Z (downstream), axis 1
// is Y (vertical up), axis 2 is X (outboard). Buffers are C-ordered with
// X fastest.
package volume

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Volume is a dense 3D complex array.
type Volume struct {
	NZ, NY, NX int
	Data       []complex128 // len = NZ*NY*NX, C order, X fastest
}

// New allocates a zeroed volume with the given shape.
func New(nz, ny, nx int) *Volume {
	return &Volume{NZ: nz, NY: ny, NX: nx, Data: make([]complex128, nz*ny*nx)}
}

// FromData wraps an existing buffer. The buffer length must match the shape.
func FromData(nz, ny, nx int, data []complex128) (*Volume, error) {
	if len(data) != nz*ny*nx {
		return nil, fmt.Errorf("buffer length %d does not match shape (%d, %d, %d)", len(data), nz, ny, nx)
	}
	return &Volume{NZ: nz, NY: ny, NX: nx, Data: data}, nil
}

// FromRealData builds a complex volume from a real field with zero
// imaginary part.
func FromRealData(nz, ny, nx int, data []float64) (*Volume, error) {
	if len(data) != nz*ny*nx {
		return nil, fmt.Errorf("buffer length %d does not match shape (%d, %d, %d)", len(data), nz, ny, nx)
	}
	v := New(nz, ny, nx)
	for i, f := range data {
		v.Data[i] = complex(f, 0)
	}
	return v, nil
}

// FromAmpPhase builds a complex volume amp*exp(i*phase). The two field
// slices must both have length nz*ny*nx.
func FromAmpPhase(nz, ny, nx int, amp, phase []float64) (*Volume, error) {
	if len(amp) != nz*ny*nx || len(phase) != len(amp) {
		return nil, fmt.Errorf("amp and phase must both have length %d", nz*ny*nx)
	}
	v := New(nz, ny, nx)
	for i := range v.Data {
		v.Data[i] = cmplx.Rect(amp[i], phase[i])
	}
	return v, nil
}

// Idx converts (z, y, x) to a linear index.
func (v *Volume) Idx(z, y, x int) int { return (z*v.NY+y)*v.NX + x }

// At returns the value at (z, y, x).
func (v *Volume) At(z, y, x int) complex128 { return v.Data[v.Idx(z, y, x)] }

// Set stores a value at (z, y, x).
func (v *Volume) Set(z, y, x int, c complex128) { v.Data[v.Idx(z, y, x)] = c }

// Len returns the number of voxels.
func (v *Volume) Len() int { return len(v.Data) }

// Shape returns the (Z, Y, X) dimensions.
func (v *Volume) Shape() [3]int { return [3]int{v.NZ, v.NY, v.NX} }

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := New(v.NZ, v.NY, v.NX)
	copy(out.Data, v.Data)
	return out
}

// Amplitude returns |v| voxel-wise.
func (v *Volume) Amplitude() []float64 {
	out := make([]float64, len(v.Data))
	for i, c := range v.Data {
		out[i] = cmplx.Abs(c)
	}
	return out
}

// Phase returns arg(v) voxel-wise, in [-pi, pi].
func (v *Volume) Phase() []float64 {
	out := make([]float64, len(v.Data))
	for i, c := range v.Data {
		out[i] = cmplx.Phase(c)
	}
	return out
}

// MaxAmplitude returns the maximum of |v| over all voxels.
func (v *Volume) MaxAmplitude() float64 {
	max := 0.0
	for _, c := range v.Data {
		if a := cmplx.Abs(c); a > max {
			max = a
		}
	}
	return max
}

// Scale multiplies every voxel by s in place and returns v.
func (v *Volume) Scale(s complex128) *Volume {
	for i := range v.Data {
		v.Data[i] *= s
	}
	return v
}

// Normalise rescales the volume so that max |v| == 1. A zero volume is
// returned unchanged.
func (v *Volume) Normalise() *Volume {
	max := v.MaxAmplitude()
	if max == 0 {
		return v
	}
	return v.Scale(complex(1/max, 0))
}

// cropPadAxisOffsets returns the copy window for one axis when resizing
// from n to newN: srcLo is the first source index copied, dstLo the first
// destination index written, and count the run length. Centred semantics:
// when padding the old data lands at (newN-n)/2, when cropping the window
// starts at (n-newN)/2.
func cropPadAxisOffsets(n, newN int) (srcLo, dstLo, count int) {
	if newN >= n {
		return 0, (newN - n) / 2, n
	}
	return (n - newN) / 2, 0, newN
}

// CropPad returns a copy of v resized to (nz, ny, nx), centre-aligned:
// each axis is either cropped around the middle or zero-padded
// symmetrically. Shape (0,0,0) is rejected.
func (v *Volume) CropPad(nz, ny, nx int) (*Volume, error) {
	if nz <= 0 || ny <= 0 || nx <= 0 {
		return nil, fmt.Errorf("output shape must be positive, got (%d, %d, %d)", nz, ny, nx)
	}
	out := New(nz, ny, nx)

	sz, dz, cz := cropPadAxisOffsets(v.NZ, nz)
	sy, dy, cy := cropPadAxisOffsets(v.NY, ny)
	sx, dx, cx := cropPadAxisOffsets(v.NX, nx)

	for z := 0; z < cz; z++ {
		for y := 0; y < cy; y++ {
			srcBase := v.Idx(sz+z, sy+y, sx)
			dstBase := out.Idx(dz+z, dy+y, dx)
			copy(out.Data[dstBase:dstBase+cx], v.Data[srcBase:srcBase+cx])
		}
	}
	return out, nil
}

// Roll returns a copy of v circularly shifted by (dz, dy, dx). Positive
// shifts move content towards higher indices, matching np.roll.
func (v *Volume) Roll(dz, dy, dx int) *Volume {
	out := New(v.NZ, v.NY, v.NX)
	mod := func(a, n int) int {
		m := a % n
		if m < 0 {
			m += n
		}
		return m
	}
	for z := 0; z < v.NZ; z++ {
		nz := mod(z+dz, v.NZ)
		for y := 0; y < v.NY; y++ {
			ny := mod(y+dy, v.NY)
			for x := 0; x < v.NX; x++ {
				out.Data[out.Idx(nz, ny, mod(x+dx, v.NX))] = v.Data[v.Idx(z, y, x)]
			}
		}
	}
	return out
}

// CenterOfMass returns the centre of mass of |v| in voxel coordinates.
// A zero volume reports the geometric centre.
func (v *Volume) CenterOfMass() (cz, cy, cx float64) {
	var total float64
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				a := cmplx.Abs(v.Data[v.Idx(z, y, x)])
				total += a
				cz += a * float64(z)
				cy += a * float64(y)
				cx += a * float64(x)
			}
		}
	}
	if total == 0 {
		return float64(v.NZ) / 2, float64(v.NY) / 2, float64(v.NX) / 2
	}
	return cz / total, cy / total, cx / total
}

// ArgMax returns the voxel coordinates of the maximum of |v|.
func (v *Volume) ArgMax() (z, y, x int) {
	best := -1.0
	idx := 0
	for i, c := range v.Data {
		if a := cmplx.Abs(c); a > best {
			best = a
			idx = i
		}
	}
	x = idx % v.NX
	y = (idx / v.NX) % v.NY
	z = idx / (v.NX * v.NY)
	return z, y, x
}

// CenterCOM shifts the volume by whole voxels so that the centre of mass
// of |v| lands on the array centre. Returns the shifted copy and the
// applied offsets.
func (v *Volume) CenterCOM() (*Volume, [3]int) {
	cz, cy, cx := v.CenterOfMass()
	off := [3]int{
		int(math.Round(float64(v.NZ)/2 - cz)),
		int(math.Round(float64(v.NY)/2 - cy)),
		int(math.Round(float64(v.NX)/2 - cx)),
	}
	return v.Roll(off[0], off[1], off[2]), off
}

// CenterMax shifts the volume by whole voxels so that the maximum of |v|
// lands on the array centre. Returns the shifted copy and the applied
// offsets.
func (v *Volume) CenterMax() (*Volume, [3]int) {
	z, y, x := v.ArgMax()
	off := [3]int{
		int(math.Round(float64(v.NZ)/2 - float64(z))),
		int(math.Round(float64(v.NY)/2 - float64(y))),
		int(math.Round(float64(v.NX)/2 - float64(x))),
	}
	return v.Roll(off[0], off[1], off[2]), off
}

// DataRange finds the half-extent of the meaningful data along each axis:
// the support is thresholded at threshold*max|v| and the tightest centred
// window containing it is grown by margin. keepSize short-circuits to the
// full half-shape. From the reconstruction workflow, this bounds memory
// for later resampling steps.
func (v *Volume) DataRange(margin [3]int, threshold float64, keepSize bool) (zr, yr, xr int) {
	if keepSize {
		return v.NZ / 2, v.NY / 2, v.NX / 2
	}

	max := v.MaxAmplitude()
	minZ, minY, minX := v.NZ, v.NY, v.NX
	maxZ, maxY, maxX := -1, -1, -1
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				if cmplx.Abs(v.Data[v.Idx(z, y, x)]) <= threshold*max {
					continue
				}
				if z < minZ {
					minZ = z
				}
				if z > maxZ {
					maxZ = z
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
			}
		}
	}
	if maxZ < 0 { // empty support
		return v.NZ / 2, v.NY / 2, v.NX / 2
	}

	// Tightest symmetric margin around the centre per axis.
	edge := func(n, lo, hi int) int {
		m := lo
		if n-hi < m {
			m = n - hi
		}
		return n/2 - m
	}
	zr = edge(v.NZ, minZ, maxZ) + margin[0]
	yr = edge(v.NY, minY, maxY) + margin[1]
	xr = edge(v.NX, minX, maxX) + margin[2]
	return zr, yr, xr
}

// interp3 samples v at fractional voxel coordinates with trilinear
// interpolation; coordinates outside the array return 0.
func (v *Volume) interp3(z, y, x float64) complex128 {
	if z < 0 || y < 0 || x < 0 || z > float64(v.NZ-1) || y > float64(v.NY-1) || x > float64(v.NX-1) {
		return 0
	}
	z0, y0, x0 := int(math.Floor(z)), int(math.Floor(y)), int(math.Floor(x))
	z1, y1, x1 := z0+1, y0+1, x0+1
	if z1 > v.NZ-1 {
		z1 = v.NZ - 1
	}
	if y1 > v.NY-1 {
		y1 = v.NY - 1
	}
	if x1 > v.NX-1 {
		x1 = v.NX - 1
	}
	fz, fy, fx := z-float64(z0), y-float64(y0), x-float64(x0)

	lerp := func(a, b complex128, t float64) complex128 {
		return a + complex(t, 0)*(b-a)
	}
	c00 := lerp(v.At(z0, y0, x0), v.At(z0, y0, x1), fx)
	c01 := lerp(v.At(z0, y1, x0), v.At(z0, y1, x1), fx)
	c10 := lerp(v.At(z1, y0, x0), v.At(z1, y0, x1), fx)
	c11 := lerp(v.At(z1, y1, x0), v.At(z1, y1, x1), fx)
	c0 := lerp(c00, c01, fy)
	c1 := lerp(c10, c11, fy)
	return lerp(c0, c1, fz)
}

// Resample evaluates v on a new grid where each output voxel (z, y, x)
// maps to source coordinates given by coord. Used by rotation and
// regridding.
func (v *Volume) Resample(coord func(z, y, x int) (sz, sy, sx float64)) *Volume {
	out := New(v.NZ, v.NY, v.NX)
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				sz, sy, sx := coord(z, y, x)
				out.Data[out.Idx(z, y, x)] = v.interp3(sz, sy, sx)
			}
		}
	}
	return out
}

// Regrid resamples the volume from anisotropic voxels of size voxelZYX
// (nanometres, CXI order) onto a cubic grid with the given voxel size.
// The array shape is preserved; content shrinks or grows around the
// centre accordingly.
func (v *Volume) Regrid(voxelZYX [3]float64, voxel float64) (*Volume, error) {
	for _, s := range voxelZYX {
		if s <= 0 {
			return nil, fmt.Errorf("voxel sizes must be positive, got %v", voxelZYX)
		}
	}
	if voxel <= 0 {
		return nil, fmt.Errorf("target voxel size must be positive, got %f", voxel)
	}
	cz := float64(v.NZ) / 2
	cy := float64(v.NY) / 2
	cx := float64(v.NX) / 2
	return v.Resample(func(z, y, x int) (float64, float64, float64) {
		return cz + (float64(z)-cz)*voxel/voxelZYX[0],
			cy + (float64(y)-cy)*voxel/voxelZYX[1],
			cx + (float64(x)-cx)*voxel/voxelZYX[2]
	}), nil
}

// Rotate aligns axisToAlign onto referenceAxis using the Rodrigues
// rotation matrix, resampling by trilinear interpolation around the array
// centre. Both axes are (X, Y, Z) direction vectors in the CXI frame and
// must be non-antiparallel unit-ish vectors.
func (v *Volume) Rotate(axisToAlign, referenceAxis [3]float64) (*Volume, error) {
	a, err := normalise3(axisToAlign)
	if err != nil {
		return nil, fmt.Errorf("axis to align: %w", err)
	}
	b, err := normalise3(referenceAxis)
	if err != nil {
		return nil, fmt.Errorf("reference axis: %w", err)
	}
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	if 1+dot < 1e-12 {
		return nil, fmt.Errorf("axes are antiparallel, rotation is degenerate")
	}
	// Rodrigues: R = I + K + K²/(1+cosθ) with K the cross-product matrix.
	vx := [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
	k := [3][3]float64{
		{0, -vx[2], vx[1]},
		{vx[2], 0, -vx[0]},
		{-vx[1], vx[0], 0},
	}
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			kk := 0.0
			for l := 0; l < 3; l++ {
				kk += k[i][l] * k[l][j]
			}
			r[i][j] = k[i][j] + kk/(1+dot)
			if i == j {
				r[i][j]++
			}
		}
	}
	// Inverse mapping uses the transpose (rotation matrices are orthogonal).
	cz := float64(v.NZ) / 2
	cy := float64(v.NY) / 2
	cx := float64(v.NX) / 2
	return v.Resample(func(z, y, x int) (float64, float64, float64) {
		// Work in (X, Y, Z) component order to match the axis vectors.
		px := float64(x) - cx
		py := float64(y) - cy
		pz := float64(z) - cz
		sx := r[0][0]*px + r[1][0]*py + r[2][0]*pz
		sy := r[0][1]*px + r[1][1]*py + r[2][1]*pz
		sz := r[0][2]*px + r[1][2]*py + r[2][2]*pz
		return sz + cz, sy + cy, sx + cx
	}), nil
}

func normalise3(v [3]float64) ([3]float64, error) {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v, fmt.Errorf("zero vector")
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, nil
}
