package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/monitoring"
	"github.com/beamline-data/bragg.report/internal/phase"
	"github.com/beamline-data/bragg.report/internal/report"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
	"github.com/beamline-data/bragg.report/internal/strain"
	"github.com/beamline-data/bragg.report/internal/volume"
)

// Number of bins for the strain histogram output.
const strainHistogramBins = 50

// StrainOptions selects the reconstructions and physical constants for
// one strain run.
type StrainOptions struct {
	// InputPaths are complex NPY reconstructions of the same dataset.
	// The best-ranked one becomes the alignment reference.
	InputPaths []string
	// PlanarDistance is the d-spacing of the measured reflection, in the
	// same length unit as the voxel size.
	PlanarDistance float64
	// VoxelSizes are the anisotropic voxel sizes of the reconstruction in
	// nanometres, (Z, Y, X) order. When set, the averaged object is
	// regridded onto the cubic grid of the configured voxel size before
	// the strain is computed. Zero skips the regrid.
	VoxelSizes [3]float64
	// QVector is the diffraction vector direction in the (X, Y, Z)
	// frame. When set, the averaged object is rotated so q lies along
	// the configured reference axis. Zero skips the rotation.
	QVector [3]float64
	// Temperature, when set, estimates the crystal temperature from the
	// measured lattice spacing and stores it with the run.
	Temperature *strain.TemperatureRequest
}

// StrainResult reports the outputs of a strain run.
type StrainResult struct {
	RunID            string
	StrainPath       string
	DisplacementPath string
	AveragePath      string
	PlotPath         string
	Qualities        []phase.Quality
	Included         int
	Stats            strain.Summary
	TemperatureC     float64
}

// StrainRunner turns one or more phased reconstructions into a strain
// field with per-run statistics.
type StrainRunner struct {
	rc *RunContext
}

// NewStrainRunner creates a runner over the given run context.
func NewStrainRunner(rc *RunContext) *StrainRunner {
	return &StrainRunner{rc: rc}
}

// Run executes the full postprocessing chain and records the run. A row
// is written to analysis_runs whether the run succeeds or fails.
func (r *StrainRunner) Run(ctx context.Context, opt StrainOptions) (*StrainResult, error) {
	params, err := json.Marshal(struct {
		Options StrainOptions `json:"options"`
		Tuning  interface{}   `json:"tuning"`
	}{opt, r.rc.Config})
	if err != nil {
		return nil, fmt.Errorf("marshal run parameters: %w", err)
	}
	run := &sqlite.AnalysisRun{
		Kind:       sqlite.KindStrain,
		InputPath:  strings.Join(opt.InputPaths, ","),
		ParamsJSON: params,
	}
	if err := r.rc.Store.InsertRun(run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	res, err := r.process(ctx, run.RunID, opt)
	if err != nil {
		if ferr := r.rc.Store.FinishRun(run.RunID, sqlite.StatusFailed, err.Error()); ferr != nil {
			monitoring.Logf("pipeline: mark run %s failed: %v", run.RunID, ferr)
		}
		return nil, err
	}
	if err := r.rc.Store.FinishRun(run.RunID, sqlite.StatusDone, ""); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	res.RunID = run.RunID
	return res, nil
}

func (r *StrainRunner) process(ctx context.Context, runID string, opt StrainOptions) (*StrainResult, error) {
	cfg := r.rc.Config
	if len(opt.InputPaths) == 0 {
		return nil, fmt.Errorf("no reconstructions given")
	}
	if opt.PlanarDistance <= 0 {
		return nil, fmt.Errorf("planar distance must be positive, got %g", opt.PlanarDistance)
	}

	recons := make([]*volume.Volume, len(opt.InputPaths))
	for i, path := range opt.InputPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := loadRecon(r.rc.FS, path)
		if err != nil {
			return nil, fmt.Errorf("reconstruction %d: %w", i, err)
		}
		if cfg.GetInvertPhase() {
			v = conjugate(v)
		}
		recons[i] = v
	}

	res := &StrainResult{}
	threshold := cfg.GetIsosurfaceThreshold()
	order, qualities := phase.Rank(recons, threshold)
	res.Qualities = qualities

	reference := recons[order[0]]
	averaged := reference
	if len(recons) > 1 {
		candidates := make([]*volume.Volume, 0, len(recons)-1)
		for _, idx := range order[1:] {
			candidates = append(candidates, recons[idx])
		}
		avg, err := phase.AverageAligned(reference, candidates, cfg.GetAlignMethod(),
			cfg.GetCorrelationThreshold(), threshold)
		if err != nil {
			return nil, fmt.Errorf("average reconstructions: %w", err)
		}
		averaged = avg.Average
		res.Included = avg.Included
		monitoring.Logf("pipeline: averaged %d of %d candidates onto reference %d",
			avg.Included, len(candidates), order[0])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var err error
	if opt.VoxelSizes != [3]float64{} {
		averaged, err = averaged.Regrid(opt.VoxelSizes, cfg.GetVoxelSizeNm())
		if err != nil {
			return nil, fmt.Errorf("regrid: %w", err)
		}
		monitoring.Logf("pipeline: regridded voxels %v nm onto cubic %g nm",
			opt.VoxelSizes, cfg.GetVoxelSizeNm())
	}
	if opt.QVector != [3]float64{} {
		axis := referenceAxisVector(cfg.GetReferenceAxis())
		averaged, err = averaged.Rotate(opt.QVector, axis)
		if err != nil {
			return nil, fmt.Errorf("align q vector: %w", err)
		}
		monitoring.Logf("pipeline: rotated q %v onto the %s axis",
			opt.QVector, cfg.GetReferenceAxis())
	}

	averaged, ramp, err := phase.RemoveRamp(averaged, cfg.GetGradientThreshold())
	if err != nil {
		return nil, fmt.Errorf("ramp removal: %w", err)
	}
	monitoring.Logf("pipeline: removed phase ramp (%.4g, %.4g, %.4g) rad/voxel",
		ramp.GradZ, ramp.GradY, ramp.GradX)

	support := averaged.Support(threshold)
	if hw := cfg.GetMeanFilterHalfWidth(); hw > 0 {
		averaged, err = phase.MeanFilter(averaged, support, hw)
		if err != nil {
			return nil, fmt.Errorf("mean filter: %w", err)
		}
	}
	if cfg.GetApodize() {
		averaged, err = phase.Apodize(averaged, cfg.GetApodizeSigma())
		if err != nil {
			return nil, fmt.Errorf("apodization: %w", err)
		}
		support = averaged.Support(threshold)
	}

	var bulk *volume.Mask
	switch cfg.GetBulkMethod() {
	case "defect":
		bulk, err = averaged.BulkDefect(threshold)
		if err != nil {
			return nil, fmt.Errorf("bulk isolation: %w", err)
		}
	default:
		bulk = averaged.BulkThreshold(threshold)
	}
	if bulk.Count() == 0 {
		return nil, fmt.Errorf("bulk support is empty at threshold %g", threshold)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := averaged.Shape()
	phi := phase.WrapField(averaged.Phase())
	field, err := strain.Field(shape, phi, opt.PlanarDistance, cfg.GetVoxelSizeNm(), cfg.GetReferenceAxis())
	if err != nil {
		return nil, err
	}
	displacement := strain.Displacement(phi, opt.PlanarDistance)
	for i, in := range bulk.In {
		if in == 0 {
			field[i] = 0
			displacement[i] = 0
		}
	}

	summary, err := strain.Summarize(field, bulk)
	if err != nil {
		return nil, err
	}
	res.Stats = summary

	if opt.Temperature != nil {
		res.TemperatureC, err = strain.BraggTemperature(*opt.Temperature)
		if err != nil {
			return nil, fmt.Errorf("temperature estimate: %w", err)
		}
	}

	res.StrainPath = r.rc.outPath("strain.npy")
	if err := volume.SaveFieldNPY(res.StrainPath, shape, field); err != nil {
		return nil, fmt.Errorf("write strain field: %w", err)
	}
	res.DisplacementPath = r.rc.outPath("displacement.npy")
	if err := volume.SaveFieldNPY(res.DisplacementPath, shape, displacement); err != nil {
		return nil, fmt.Errorf("write displacement field: %w", err)
	}
	res.AveragePath = r.rc.outPath("averaged.npy")
	if err := volume.SaveNPY(res.AveragePath, averaged); err != nil {
		return nil, fmt.Errorf("write averaged reconstruction: %w", err)
	}

	edges, counts, err := strain.Histogram(field, bulk, strainHistogramBins)
	if err != nil {
		return nil, err
	}
	res.PlotPath = r.rc.outPath("strain_histogram.png")
	if err := report.StrainHistogramPlot(edges, counts, res.PlotPath); err != nil {
		monitoring.Logf("pipeline: strain histogram plot: %v", err)
		res.PlotPath = ""
	}

	if err := r.rc.Store.InsertStrainStats(&sqlite.StrainStats{
		RunID:          runID,
		Voxels:         summary.Voxels,
		MeanStrain:     summary.Mean,
		StdStrain:      summary.Std,
		RMSStrain:      summary.RMS,
		MinStrain:      summary.Min,
		MaxStrain:      summary.Max,
		PlanarDistance: opt.PlanarDistance,
		VoxelSize:      cfg.GetVoxelSizeNm(),
		ReferenceAxis:  cfg.GetReferenceAxis(),
		TemperatureC:   res.TemperatureC,
	}); err != nil {
		return nil, fmt.Errorf("record strain stats: %w", err)
	}
	return res, nil
}

// loadRecon reads a reconstruction, dispatching on the extension:
// .snap checkpoints are gob/gzip, everything else is NPY.
func loadRecon(fs fsutil.FileSystem, path string) (*volume.Volume, error) {
	if strings.HasSuffix(path, ".snap") {
		return volume.LoadSnapshot(fs, path)
	}
	return volume.LoadNPY(fs, path)
}

// referenceAxisVector maps a configured axis name to its (X, Y, Z)
// direction. The config layer rejects anything but x, y and z.
func referenceAxisVector(axis string) [3]float64 {
	switch axis {
	case "x":
		return [3]float64{1, 0, 0}
	case "z":
		return [3]float64{0, 0, 1}
	default:
		return [3]float64{0, 1, 0}
	}
}

// conjugate flips the phase sign of every voxel.
func conjugate(v *volume.Volume) *volume.Volume {
	out := v.Clone()
	for i, c := range out.Data {
		out.Data[i] = complex(real(c), -imag(c))
	}
	return out
}
