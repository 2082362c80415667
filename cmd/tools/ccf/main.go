// Command ccf plots an angular cross-correlation curve from 1D NPY
// inputs: the angle grid, the correlation values and, optionally, the
// number of contributing pairs per angle.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"

	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/report"
	"github.com/beamline-data/bragg.report/internal/volume"
)

var (
	anglesPath = flag.String("angles", "", "1D NPY of angles in degrees")
	ccfPath    = flag.String("ccf", "", "1D NPY of correlation values")
	pointsPath = flag.String("points", "", "1D NPY of pair counts per angle (optional)")
	output     = flag.String("out", "ccf.png", "Output PNG")
)

// loadVector reads a 1D float NPY.
func loadVector(path string) ([]float64, error) {
	data, err := fsutil.OSFileSystem{}.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	arr, err := volume.ReadNPY(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(arr.Shape) != 1 || arr.Floats == nil {
		return nil, fmt.Errorf("%s: expected a 1D float array, got %s %v", path, arr.Dtype, arr.Shape)
	}
	return arr.Floats, nil
}

func main() {
	flag.Parse()

	if *anglesPath == "" || *ccfPath == "" {
		log.Fatal("-angles and -ccf are required")
	}
	angles, err := loadVector(*anglesPath)
	if err != nil {
		log.Fatalf("failed to load angles: %v", err)
	}
	ccf, err := loadVector(*ccfPath)
	if err != nil {
		log.Fatalf("failed to load ccf: %v", err)
	}

	var points []int
	if *pointsPath != "" {
		raw, err := loadVector(*pointsPath)
		if err != nil {
			log.Fatalf("failed to load pair counts: %v", err)
		}
		points = make([]int, len(raw))
		for i, f := range raw {
			points[i] = int(f)
		}
	}

	if err := report.CCFPlot(angles, ccf, points, *output); err != nil {
		log.Fatalf("failed to plot: %v", err)
	}
	fmt.Printf("wrote %s, %d angles\n", *output, len(angles))
}
