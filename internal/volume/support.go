package volume

import (
	"fmt"
	"math/cmplx"
)

// Mask is a binary voxel mask over a 3D grid. Entries are 1 inside the
// masked region and 0 outside.
type Mask struct {
	NZ, NY, NX int
	In         []uint8 // len = NZ*NY*NX
}

// NewMask allocates an all-zero mask.
func NewMask(nz, ny, nx int) *Mask {
	return &Mask{NZ: nz, NY: ny, NX: nx, In: make([]uint8, nz*ny*nx)}
}

// Idx converts (z, y, x) to a linear index.
func (m *Mask) Idx(z, y, x int) int { return (z*m.NY+y)*m.NX + x }

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.In {
		if b != 0 {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := NewMask(m.NZ, m.NY, m.NX)
	copy(out.In, m.In)
	return out
}

// Invert flips every voxel in place and returns m.
func (m *Mask) Invert() *Mask {
	for i, b := range m.In {
		m.In[i] = 1 - min8(b, 1)
	}
	return m
}

func min8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

// Support thresholds the amplitude at threshold*max|v| and returns the
// resulting mask: 1 where |v| exceeds the cut.
func (v *Volume) Support(threshold float64) *Mask {
	max := v.MaxAmplitude()
	m := NewMask(v.NZ, v.NY, v.NX)
	cut := threshold * max
	for i, c := range v.Data {
		if cmplx.Abs(c) > cut {
			m.In[i] = 1
		}
	}
	return m
}

// Coordination computes, for every voxel, the number of set support
// voxels inside a cube kernel of edge k centred on it (the voxel itself
// included). k must be odd. This is the box-kernel convolution used for
// surface/bulk discrimination.
func (m *Mask) Coordination(k int) ([]int, error) {
	if k < 1 || k%2 == 0 {
		return nil, fmt.Errorf("kernel edge must be a positive odd number, got %d", k)
	}
	h := k / 2
	out := make([]int, len(m.In))
	for z := 0; z < m.NZ; z++ {
		for y := 0; y < m.NY; y++ {
			for x := 0; x < m.NX; x++ {
				n := 0
				for dz := -h; dz <= h; dz++ {
					zz := z + dz
					if zz < 0 || zz >= m.NZ {
						continue
					}
					for dy := -h; dy <= h; dy++ {
						yy := y + dy
						if yy < 0 || yy >= m.NY {
							continue
						}
						for dx := -h; dx <= h; dx++ {
							xx := x + dx
							if xx < 0 || xx >= m.NX {
								continue
							}
							if m.In[m.Idx(zz, yy, xx)] != 0 {
								n++
							}
						}
					}
				}
				out[m.Idx(z, y, x)] = n
			}
		}
	}
	return out, nil
}

// Bulk isolation thresholds for the 9³ box kernel: coordination above
// bulkCut is interior, between surfaceLo and surfaceHi is a candidate
// surface layer. Values carried over from the reconstruction workflow.
const (
	bulkCoordinationCut = 430
	surfaceCoordLo      = 290
	surfaceCoordHi      = 450
	surfaceKernelEdge   = 9
	surfaceBorder       = 5
	surfaceKeepFraction = 0.90
)

// BulkThreshold isolates the bulk as a straight amplitude threshold:
// voxels with |v| >= threshold*max are bulk.
func (v *Volume) BulkThreshold(threshold float64) *Mask {
	max := v.MaxAmplitude()
	m := NewMask(v.NZ, v.NY, v.NX)
	cut := threshold * max
	for i, c := range v.Data {
		if cmplx.Abs(c) >= cut {
			m.In[i] = 1
		}
	}
	return m
}

// BulkDefect isolates the inner part of the crystal from the non-physical
// surface by peeling layers: starting from a loose 1% support, candidate
// surface shells (identified by their box-kernel coordination number) are
// moved to the outside until at least surfaceKeepFraction of the current
// shell sits above the amplitude threshold. Use for reconstructions whose
// surface amplitude is corrupted by defects.
func (v *Volume) BulkDefect(threshold float64) (*Mask, error) {
	loose := v.Support(0.01)
	coord, err := loose.Coordination(surfaceKernelEdge)
	if err != nil {
		return nil, err
	}

	// outer = everything that is not interior: low-coordination shell
	// voxels plus the empty space around the crystal.
	outer := NewMask(v.NZ, v.NY, v.NX)
	for i := range coord {
		if coord[i] > 0 && coord[i] <= bulkCoordinationCut {
			outer.In[i] = 1
		}
		if coord[i] == 0 {
			outer.In[i] = 1
		}
	}

	max := v.MaxAmplitude()
	cut := threshold * max

	for iter := 0; ; iter++ {
		coord, err = outer.Coordination(surfaceKernelEdge)
		if err != nil {
			return nil, err
		}
		surface := NewMask(v.NZ, v.NY, v.NX)
		nbSurface := 0
		keep := 0
		for z := 0; z < v.NZ; z++ {
			for y := 0; y < v.NY; y++ {
				for x := 0; x < v.NX; x++ {
					if z < surfaceBorder || z >= v.NZ-surfaceBorder-1 ||
						y < surfaceBorder || y >= v.NY-surfaceBorder-1 ||
						x < surfaceBorder || x >= v.NX-surfaceBorder-1 {
						continue
					}
					i := surface.Idx(z, y, x)
					if coord[i] < surfaceCoordLo || coord[i] > surfaceCoordHi {
						continue
					}
					surface.In[i] = 1
					nbSurface++
					if cmplx.Abs(v.Data[i]) >= cut {
						keep++
					}
				}
			}
		}
		if nbSurface == 0 {
			break
		}
		frac := float64(keep) / float64(nbSurface)
		if frac >= surfaceKeepFraction {
			break
		}
		// Shell is still mostly below threshold: peel it.
		changed := 0
		for i, s := range surface.In {
			if s != 0 && outer.In[i] == 0 {
				outer.In[i] = 1
				changed++
			}
		}
		if changed == 0 {
			break
		}
	}

	bulk := NewMask(v.NZ, v.NY, v.NX)
	for i := range bulk.In {
		if outer.In[i] == 0 {
			bulk.In[i] = 1
		}
	}
	return bulk, nil
}
