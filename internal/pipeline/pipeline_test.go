package pipeline

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/beamline-data/bragg.report/internal/config"
	"github.com/beamline-data/bragg.report/internal/db"
	"github.com/beamline-data/bragg.report/internal/detector"
	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
	"github.com/beamline-data/bragg.report/internal/strain"
	"github.com/beamline-data/bragg.report/internal/volume"
)

func setupRunContext(t *testing.T) *RunContext {
	t.Helper()
	dir := t.TempDir()
	database, err := db.NewDB(filepath.Join(dir, "analysis.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return &RunContext{
		Store:     sqlite.NewRunStore(database.DB),
		Config:    config.MustLoadDefaultConfig(),
		FS:        fsutil.OSFileSystem{},
		OutputDir: dir,
	}
}

// peakStack builds frames with a wide Gaussian peak at (cy, cx), one
// weight per frame, plus one isolated hot pixel at (hy, hx). The
// brightest frame carries the rocking-curve maximum.
func peakStack(weights []float64, ny, nx, cy, cx, hy, hx int) []float64 {
	const amp, sigma = 100.0, 3.0
	data := make([]float64, len(weights)*ny*nx)
	for f, w := range weights {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				r2 := float64((y-cy)*(y-cy) + (x-cx)*(x-cx))
				data[(f*ny+y)*nx+x] = w * amp * math.Exp(-r2/(2*sigma*sigma))
			}
		}
		data[(f*ny+hy)*nx+hx] = 500
	}
	return data
}

func TestPreprocessRun(t *testing.T) {
	rc := setupRunContext(t)
	runner := NewPreprocessRunner(rc)

	const nf, ny, nx = 3, 16, 16
	input := filepath.Join(rc.OutputDir, "stack.npy")
	if err := volume.SaveFieldNPY(input, [3]int{nf, ny, nx}, peakStack([]float64{0.8, 1, 0.9}, ny, nx, 10, 6, 3, 12)); err != nil {
		t.Fatalf("write stack: %v", err)
	}

	res, err := runner.Run(context.Background(), PreprocessOptions{
		InputPath: input,
		Monitors:  []float64{2, 2, 2},
		GapCols:   []detector.Stripe{{Lo: 0, Hi: 2}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != nf {
		t.Errorf("frames = %d, want %d", res.Frames, nf)
	}
	if len(res.Stats) != nf {
		t.Fatalf("got %d frame stats, want %d", len(res.Stats), nf)
	}
	for i, st := range res.Stats {
		if st.HotPixels < 1 {
			t.Errorf("frame %d: no hot pixels flagged", i)
		}
		if st.Monitor != 2 {
			t.Errorf("frame %d: monitor = %g, want 2", i, st.Monitor)
		}
		// Two gap columns of 16 pixels each plus the hot pixel.
		if st.MaskedFraction < 33.0/256 {
			t.Errorf("frame %d: masked fraction = %g, too low", i, st.MaskedFraction)
		}
	}

	run, err := rc.Store.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != sqlite.StatusDone {
		t.Errorf("status = %q, want done", run.Status)
	}
	stats, err := rc.Store.ListFrameStats(res.RunID)
	if err != nil {
		t.Fatalf("ListFrameStats: %v", err)
	}
	if len(stats) != nf {
		t.Errorf("stored %d frame stats, want %d", len(stats), nf)
	}

	out, err := volume.LoadNPY(rc.FS, res.OutputPath)
	if err != nil {
		t.Fatalf("load output: %v", err)
	}
	if out.Shape() != [3]int{nf, ny, nx} {
		t.Fatalf("output shape = %v", out.Shape())
	}
	// The peak must end up at the stack center and the hot pixel must be gone.
	z, y, x := out.ArgMax()
	if z != nf/2 || y != ny/2 || x != nx/2 {
		t.Errorf("peak at (%d, %d, %d), want (%d, %d, %d)", z, y, x, nf/2, ny/2, nx/2)
	}
	if max := out.MaxAmplitude(); max > 101 {
		t.Errorf("max amplitude = %g, hot pixel survived masking", max)
	}
}

func TestPreprocessRunRecordsFailure(t *testing.T) {
	rc := setupRunContext(t)
	runner := NewPreprocessRunner(rc)

	_, err := runner.Run(context.Background(), PreprocessOptions{
		InputPath: filepath.Join(rc.OutputDir, "missing.npy"),
	})
	if err == nil {
		t.Fatal("expected error for missing input")
	}

	runs, err := rc.Store.ListRuns(sqlite.KindPreprocess, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Status != sqlite.StatusFailed {
		t.Errorf("status = %q, want failed", runs[0].Status)
	}
	if runs[0].Error == "" {
		t.Error("failed run should record an error message")
	}
}

func TestPreprocessRunCancelled(t *testing.T) {
	rc := setupRunContext(t)
	runner := NewPreprocessRunner(rc)

	const nf, ny, nx = 2, 8, 8
	input := filepath.Join(rc.OutputDir, "stack.npy")
	if err := volume.SaveFieldNPY(input, [3]int{nf, ny, nx}, make([]float64, nf*ny*nx)); err != nil {
		t.Fatalf("write stack: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runner.Run(ctx, PreprocessOptions{InputPath: input}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	runs, err := rc.Store.ListRuns(sqlite.KindPreprocess, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != sqlite.StatusFailed {
		t.Errorf("cancelled run should leave a failed analysis_runs row, got %+v", runs)
	}
}

// blockRecon builds a 16^3 reconstruction with a 10^3 block carrying a
// constant phase. The amplitude is graded along Z so the correlation
// gate sees real structure rather than a constant.
func blockRecon(phi float64) *volume.Volume {
	v := volume.New(16, 16, 16)
	for z := 3; z < 13; z++ {
		for y := 3; y < 13; y++ {
			for x := 3; x < 13; x++ {
				amp := 1 + 0.1*float64(z)/16
				v.Set(z, y, x, complex(amp*math.Cos(phi), amp*math.Sin(phi)))
			}
		}
	}
	return v
}

func TestStrainRun(t *testing.T) {
	rc := setupRunContext(t)
	runner := NewStrainRunner(rc)

	ref := blockRecon(0.3)
	paths := []string{
		filepath.Join(rc.OutputDir, "recon_0.npy"),
		filepath.Join(rc.OutputDir, "recon_1.npy"),
	}
	if err := volume.SaveNPY(paths[0], ref); err != nil {
		t.Fatalf("write reconstruction: %v", err)
	}
	if err := volume.SaveNPY(paths[1], ref.Roll(1, 0, 0)); err != nil {
		t.Fatalf("write reconstruction: %v", err)
	}

	spacing := 3.9236 / math.Sqrt(3)
	res, err := runner.Run(context.Background(), StrainOptions{
		InputPaths:     paths,
		PlanarDistance: 0.226,
		Temperature: &strain.TemperatureRequest{
			Spacing:    spacing,
			Reflection: [3]float64{1, 1, 1},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Included != 1 {
		t.Errorf("included = %d, want 1", res.Included)
	}
	if res.Stats.Voxels != 1000 {
		t.Errorf("bulk voxels = %d, want 1000", res.Stats.Voxels)
	}
	// Constant phase over the block: face gradients cancel pairwise.
	// Subpixel registration may leave a little ringing near the faces.
	if math.Abs(res.Stats.Mean) > 1e-4 {
		t.Errorf("mean strain = %g, want ~0", res.Stats.Mean)
	}
	// Spacing at the tabulated room-temperature lattice constant.
	if res.TemperatureC < 15 || res.TemperatureC > 25 {
		t.Errorf("temperature = %g C, want ~20", res.TemperatureC)
	}

	for _, path := range []string{res.StrainPath, res.DisplacementPath, res.AveragePath} {
		if !rc.FS.Exists(path) {
			t.Errorf("missing output %s", path)
		}
	}

	run, err := rc.Store.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != sqlite.StatusDone {
		t.Errorf("status = %q, want done", run.Status)
	}
	st, err := rc.Store.GetStrainStats(res.RunID)
	if err != nil {
		t.Fatalf("GetStrainStats: %v", err)
	}
	if st.Voxels != 1000 {
		t.Errorf("stored voxels = %d, want 1000", st.Voxels)
	}
	if st.ReferenceAxis != rc.Config.GetReferenceAxis() {
		t.Errorf("stored axis = %q, want %q", st.ReferenceAxis, rc.Config.GetReferenceAxis())
	}
}

func TestStrainRunAlignsQAndRegrids(t *testing.T) {
	rc := setupRunContext(t)
	runner := NewStrainRunner(rc)

	ref := blockRecon(0.3)
	snapPath := filepath.Join(rc.OutputDir, "recon_0.snap")
	npyPath := filepath.Join(rc.OutputDir, "recon_1.npy")
	if err := volume.SaveSnapshot(snapPath, ref); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if err := volume.SaveNPY(npyPath, ref.Roll(1, 0, 0)); err != nil {
		t.Fatalf("write reconstruction: %v", err)
	}

	// q already on the y reference axis and cubic voxels at the
	// configured size: both transforms are exact identities, so the
	// block survives them unchanged.
	voxel := rc.Config.GetVoxelSizeNm()
	res, err := runner.Run(context.Background(), StrainOptions{
		InputPaths:     []string{snapPath, npyPath},
		PlanarDistance: 0.226,
		VoxelSizes:     [3]float64{voxel, voxel, voxel},
		QVector:        [3]float64{0, 1, 0},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Included != 1 {
		t.Errorf("included = %d, want 1", res.Included)
	}
	if res.Stats.Voxels != 1000 {
		t.Errorf("bulk voxels = %d, want 1000", res.Stats.Voxels)
	}
	if math.Abs(res.Stats.Mean) > 1e-4 {
		t.Errorf("mean strain = %g, want ~0", res.Stats.Mean)
	}
	run, err := rc.Store.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != sqlite.StatusDone {
		t.Errorf("status = %q, want done", run.Status)
	}
}

func TestStrainRunRecordsFailure(t *testing.T) {
	rc := setupRunContext(t)
	runner := NewStrainRunner(rc)

	_, err := runner.Run(context.Background(), StrainOptions{
		InputPaths:     []string{filepath.Join(rc.OutputDir, "missing.npy")},
		PlanarDistance: 0.226,
	})
	if err == nil {
		t.Fatal("expected error for missing reconstruction")
	}
	runs, err := rc.Store.ListRuns(sqlite.KindStrain, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != sqlite.StatusFailed {
		t.Errorf("failed run should leave a failed analysis_runs row, got %+v", runs)
	}
}
