// Command preprocess turns a raw detector stack into a centered, masked
// intensity volume and records the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/beamline-data/bragg.report/internal/config"
	"github.com/beamline-data/bragg.report/internal/db"
	"github.com/beamline-data/bragg.report/internal/detector"
	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/pipeline"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
)

var (
	input         = flag.String("input", "", "NPY detector stack, shape (frames, ny, nx)")
	flatField     = flag.String("flatfield", "", "Optional 2D NPY gain map")
	monitors      = flag.String("monitors", "", "Comma-separated per-frame monitor counts")
	gapRows       = flag.String("gap-rows", "", "Detector gap rows as lo:hi pairs, e.g. 195:212,407:424")
	gapCols       = flag.String("gap-cols", "", "Detector gap columns as lo:hi pairs")
	aliens        = flag.String("aliens", "", "Alien boxes as y0:x0:y1:x1 groups, comma-separated")
	configPath    = flag.String("config", config.DefaultConfigPath, "Tuning config JSON")
	outputDir     = flag.String("out", "out", "Output directory")
	dbPath        = flag.String("db", "analysis.db", "SQLite database path")
	migrationsDir = flag.String("migrations", "migrations", "Schema migrations directory")
)

// parseStripes parses comma-separated lo:hi half-open pixel ranges.
func parseStripes(s string) ([]detector.Stripe, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]detector.Stripe, 0, len(parts))
	for _, p := range parts {
		bounds := strings.Split(strings.TrimSpace(p), ":")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid stripe %q, want lo:hi", p)
		}
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid stripe %q: %w", p, err)
		}
		hi, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid stripe %q: %w", p, err)
		}
		out = append(out, detector.Stripe{Lo: lo, Hi: hi})
	}
	return out, nil
}

// parseBoxes parses comma-separated y0:x0:y1:x1 half-open pixel boxes.
func parseBoxes(s string) ([]detector.Box, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]detector.Box, 0, len(parts))
	for _, p := range parts {
		bounds := strings.Split(strings.TrimSpace(p), ":")
		if len(bounds) != 4 {
			return nil, fmt.Errorf("invalid box %q, want y0:x0:y1:x1", p)
		}
		vals := make([]int, 4)
		for i, b := range bounds {
			v, err := strconv.Atoi(b)
			if err != nil {
				return nil, fmt.Errorf("invalid box %q: %w", p, err)
			}
			vals[i] = v
		}
		out = append(out, detector.Box{Y0: vals[0], X0: vals[1], Y1: vals[2], X1: vals[3]})
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func main() {
	flag.Parse()

	if *input == "" {
		log.Fatal("-input is required")
	}
	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	rows, err := parseStripes(*gapRows)
	if err != nil {
		log.Fatalf("invalid -gap-rows: %v", err)
	}
	cols, err := parseStripes(*gapCols)
	if err != nil {
		log.Fatalf("invalid -gap-cols: %v", err)
	}
	boxes, err := parseBoxes(*aliens)
	if err != nil {
		log.Fatalf("invalid -aliens: %v", err)
	}
	counts, err := parseFloats(*monitors)
	if err != nil {
		log.Fatalf("invalid -monitors: %v", err)
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

	runner := pipeline.NewPreprocessRunner(&pipeline.RunContext{
		Store:     sqlite.NewRunStore(database.DB),
		Config:    cfg,
		FS:        fs,
		OutputDir: *outputDir,
	})
	res, err := runner.Run(context.Background(), pipeline.PreprocessOptions{
		InputPath:     *input,
		FlatFieldPath: *flatField,
		Monitors:      counts,
		GapRows:       rows,
		GapCols:       cols,
		AlienBoxes:    boxes,
	})
	if err != nil {
		log.Fatalf("preprocess failed: %v", err)
	}

	fmt.Printf("run %s: %d frames, shape %v, shift %v\n", res.RunID, res.Frames, res.Shape, res.Shift)
	fmt.Printf("wrote %s\n", res.OutputPath)
	for _, st := range res.Stats {
		if st.MaskedFraction > cfg.GetMaskedFractionWarn() {
			fmt.Fprintf(os.Stderr, "warning: frame %d masked fraction %.3f\n", st.FrameIndex, st.MaskedFraction)
		}
	}
}
