// Command polefigure projects the bright voxels of an intensity volume
// onto the equatorial plane, treating each voxel as a direction on the
// orientation sphere weighted by its intensity. The projected points go
// out as an (N, 3) NPY of X, Y, weight rows.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"

	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/projection"
	"github.com/beamline-data/bragg.report/internal/volume"
)

var (
	input     = flag.String("input", "", "3D intensity NPY")
	threshold = flag.Float64("threshold", 0.1, "Keep voxels above this fraction of the maximum")
	pole      = flag.String("pole", projection.SouthPole, "Projection pole, south or north")
	scale     = flag.Float64("scale", 1, "Radius the equator maps to")
	output    = flag.String("out", "polefigure.npy", "Output NPY of projected points")
)

// directions converts voxels above cut into weighted directions from the
// array centre, (X, Y, Z) component order.
func directions(v *volume.Volume, cut float64) []projection.Direction {
	cz := float64(v.NZ) / 2
	cy := float64(v.NY) / 2
	cx := float64(v.NX) / 2
	var dirs []projection.Direction
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				w := real(v.At(z, y, x))
				if w < cut {
					continue
				}
				dx := float64(x) - cx
				dy := float64(y) - cy
				dz := float64(z) - cz
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				dirs = append(dirs, projection.Direction{V: [3]float64{dx, dy, dz}, W: w})
			}
		}
	}
	return dirs
}

func main() {
	flag.Parse()

	if *input == "" {
		log.Fatal("-input is required")
	}
	if *threshold <= 0 || *threshold >= 1 {
		log.Fatal("-threshold must be in (0, 1)")
	}
	v, err := volume.LoadNPY(fsutil.OSFileSystem{}, *input)
	if err != nil {
		log.Fatalf("failed to load intensity: %v", err)
	}

	max := 0.0
	for _, c := range v.Data {
		if r := real(c); r > max {
			max = r
		}
	}
	dirs := directions(v, *threshold*max)
	if len(dirs) == 0 {
		log.Fatalf("no voxels above %g of the maximum", *threshold)
	}

	points, dropped, err := projection.Stereographic(dirs, *pole, *scale)
	if err != nil {
		log.Fatalf("projection failed: %v", err)
	}

	flat := make([]float64, 0, 3*len(points))
	for _, p := range points {
		flat = append(flat, p.X, p.Y, p.W)
	}
	buf := &bytes.Buffer{}
	if err := volume.WriteNPYFloat(buf, []int{len(points), 3}, flat); err != nil {
		log.Fatalf("failed to encode points: %v", err)
	}
	if err := fsutil.WriteFileAtomic(*output, buf.Bytes(), 0644); err != nil {
		log.Fatalf("failed to write output: %v", err)
	}
	fmt.Printf("wrote %s: %d points, %d dropped at the pole\n", *output, len(points), dropped)
}
