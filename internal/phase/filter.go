package phase

import (
	"fmt"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// MeanFilter smooths the object inside its support with a box average of
// half-width h, counting only support voxels so the crystal edge does not
// bleed into vacuum. Voxels outside the support pass through unchanged.
func MeanFilter(v *volume.Volume, support *volume.Mask, halfWidth int) (*volume.Volume, error) {
	if halfWidth < 1 {
		return nil, fmt.Errorf("half width must be at least 1, got %d", halfWidth)
	}
	if support.NZ != v.NZ || support.NY != v.NY || support.NX != v.NX {
		return nil, fmt.Errorf("support shape %v does not match volume %v",
			[3]int{support.NZ, support.NY, support.NX}, v.Shape())
	}

	out := v.Clone()
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				i := v.Idx(z, y, x)
				if support.In[i] == 0 {
					continue
				}
				var sum complex128
				n := 0
				for dz := -halfWidth; dz <= halfWidth; dz++ {
					zz := z + dz
					if zz < 0 || zz >= v.NZ {
						continue
					}
					for dy := -halfWidth; dy <= halfWidth; dy++ {
						yy := y + dy
						if yy < 0 || yy >= v.NY {
							continue
						}
						for dx := -halfWidth; dx <= halfWidth; dx++ {
							xx := x + dx
							if xx < 0 || xx >= v.NX {
								continue
							}
							j := v.Idx(zz, yy, xx)
							if support.In[j] != 0 {
								sum += v.Data[j]
								n++
							}
						}
					}
				}
				out.Data[i] = sum / complex(float64(n), 0)
			}
		}
	}
	return out, nil
}
