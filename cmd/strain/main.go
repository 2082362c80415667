// Command strain derives a strain field and per-run statistics from one
// or more phased reconstructions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/beamline-data/bragg.report/internal/config"
	"github.com/beamline-data/bragg.report/internal/db"
	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/pipeline"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
	"github.com/beamline-data/bragg.report/internal/strain"
)

var (
	recons        = flag.String("recon", "", "Comma-separated complex NPY reconstructions of the same dataset")
	dSpacing      = flag.Float64("d", 0, "Planar distance of the measured reflection, same unit as the voxel size")
	spacing       = flag.Float64("spacing", 0, "Measured lattice spacing in angstroms for the temperature estimate (0 disables)")
	reflection    = flag.String("reflection", "1,1,1", "Miller indices for the temperature estimate, h,k,l")
	useQ          = flag.Bool("use-q", false, "Interpret -spacing as momentum transfer in inverse angstroms")
	qVector       = flag.String("q", "", "Diffraction vector direction x,y,z to rotate onto the reference axis (empty skips)")
	voxelSizes    = flag.String("voxels", "", "Anisotropic voxel sizes z,y,x in nm to regrid onto the cubic grid (empty skips)")
	configPath    = flag.String("config", config.DefaultConfigPath, "Tuning config JSON")
	outputDir     = flag.String("out", "out", "Output directory")
	dbPath        = flag.String("db", "analysis.db", "SQLite database path")
	migrationsDir = flag.String("migrations", "migrations", "Schema migrations directory")
)

func parseVec3(s string) ([3]float64, error) {
	var vec [3]float64
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return vec, fmt.Errorf("want three comma-separated values, got %q", s)
	}
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%f", &vec[i]); err != nil {
			return vec, fmt.Errorf("invalid component %q: %w", p, err)
		}
	}
	return vec, nil
}

func main() {
	flag.Parse()

	if *recons == "" {
		log.Fatal("-recon is required")
	}
	if *dSpacing <= 0 {
		log.Fatal("-d must be a positive planar distance")
	}
	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	var q, voxels [3]float64
	if *qVector != "" {
		if q, err = parseVec3(*qVector); err != nil {
			log.Fatalf("invalid -q: %v", err)
		}
	}
	if *voxelSizes != "" {
		if voxels, err = parseVec3(*voxelSizes); err != nil {
			log.Fatalf("invalid -voxels: %v", err)
		}
	}

	var temperature *strain.TemperatureRequest
	if *spacing > 0 {
		refl, err := parseVec3(*reflection)
		if err != nil {
			log.Fatalf("invalid -reflection: %v", err)
		}
		temperature = &strain.TemperatureRequest{
			Spacing:    *spacing,
			Reflection: refl,
			UseQ:       *useQ,
		}
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	fs := fsutil.OSFileSystem{}
	if err := fs.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	runner := pipeline.NewStrainRunner(&pipeline.RunContext{
		Store:     sqlite.NewRunStore(database.DB),
		Config:    cfg,
		FS:        fs,
		OutputDir: *outputDir,
	})
	res, err := runner.Run(context.Background(), pipeline.StrainOptions{
		InputPaths:     strings.Split(*recons, ","),
		PlanarDistance: *dSpacing,
		VoxelSizes:     voxels,
		QVector:        q,
		Temperature:    temperature,
	})
	if err != nil {
		log.Fatalf("strain run failed: %v", err)
	}

	fmt.Printf("run %s: averaged %d extra reconstructions\n", res.RunID, res.Included)
	fmt.Printf("bulk voxels %d, strain mean %.4g std %.4g rms %.4g range [%.4g, %.4g]\n",
		res.Stats.Voxels, res.Stats.Mean, res.Stats.Std, res.Stats.RMS, res.Stats.Min, res.Stats.Max)
	if temperature != nil {
		fmt.Printf("estimated temperature %.1f C\n", res.TemperatureC)
	}
	fmt.Printf("wrote %s, %s, %s\n", res.StrainPath, res.DisplacementPath, res.AveragePath)
}
