package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/beamline-data/bragg.report/internal/detector"
	"github.com/beamline-data/bragg.report/internal/monitoring"
	"github.com/beamline-data/bragg.report/internal/report"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
	"github.com/beamline-data/bragg.report/internal/volume"
)

// PreprocessOptions selects the inputs and detector corrections for one
// preprocessing run. The tuning thresholds themselves come from the
// RunContext config.
type PreprocessOptions struct {
	// InputPath is an NPY stack of detector frames, shape (frames, ny, nx).
	InputPath string
	// FlatFieldPath, when set, is a 2D NPY gain map divided out of every frame.
	FlatFieldPath string
	// Monitors holds per-frame monitor counts. Empty disables normalisation
	// even when the config asks for it.
	Monitors []float64
	// GapRows and GapCols describe the detector module gaps.
	GapRows []detector.Stripe
	GapCols []detector.Stripe
	// AlienBoxes mask parasitic scattering regions.
	AlienBoxes []detector.Box
	// BackgroundAnchors are ring distances for the radial background fit.
	// Empty picks evenly spaced anchors across the profile.
	BackgroundAnchors []float64
}

// PreprocessResult reports the outputs of a preprocessing run.
type PreprocessResult struct {
	RunID      string
	OutputPath string
	PlotPath   string
	Frames     int
	Shape      [3]int
	Shift      [3]int
	Stats      []*sqlite.FrameStats
}

// PreprocessRunner turns a raw detector stack into a centered, masked
// intensity volume ready for phasing.
type PreprocessRunner struct {
	rc *RunContext
}

// NewPreprocessRunner creates a runner over the given run context.
func NewPreprocessRunner(rc *RunContext) *PreprocessRunner {
	return &PreprocessRunner{rc: rc}
}

// Run executes the full preprocessing chain and records the run. A row is
// written to analysis_runs whether the run succeeds or fails.
func (r *PreprocessRunner) Run(ctx context.Context, opt PreprocessOptions) (*PreprocessResult, error) {
	params, err := json.Marshal(struct {
		Options PreprocessOptions `json:"options"`
		Tuning  interface{}       `json:"tuning"`
	}{opt, r.rc.Config})
	if err != nil {
		return nil, fmt.Errorf("marshal run parameters: %w", err)
	}
	run := &sqlite.AnalysisRun{
		Kind:       sqlite.KindPreprocess,
		InputPath:  opt.InputPath,
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

func (r *PreprocessRunner) process(ctx context.Context, runID string, opt PreprocessOptions) (*PreprocessResult, error) {
	cfg := r.rc.Config

	frames, ny, nx, err := r.loadStack(opt.InputPath)
	if err != nil {
		return nil, err
	}
	nf := len(frames)
	if len(opt.Monitors) > 0 && len(opt.Monitors) != nf {
		return nil, fmt.Errorf("got %d monitor counts for %d frames", len(opt.Monitors), nf)
	}

	var gain *detector.Frame
	if opt.FlatFieldPath != "" {
		gain, err = r.loadFrame(opt.FlatFieldPath, ny, nx)
		if err != nil {
			return nil, fmt.Errorf("flat field: %w", err)
		}
	}

	gaps, err := detector.GapMask(ny, nx, opt.GapRows, opt.GapCols)
	if err != nil {
		return nil, fmt.Errorf("gap mask: %w", err)
	}
	aliens, err := detector.AlienMask(ny, nx, opt.AlienBoxes)
	if err != nil {
		return nil, fmt.Errorf("alien mask: %w", err)
	}

	monitorRef := meanOf(opt.Monitors)
	res := &PreprocessResult{Frames: nf}
	corrected := make([]float64, 0, nf*ny*nx)
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if gain != nil {
			if err := detector.FlatField(f, gain); err != nil {
				return nil, fmt.Errorf("frame %d: %w", i, err)
			}
		}
		monitor := 0.0
		if len(opt.Monitors) > 0 && cfg.GetMonitorNormalise() {
			monitor = opt.Monitors[i]
			if err := detector.MonitorNormalise(f, monitor, monitorRef); err != nil {
				return nil, fmt.Errorf("frame %d: %w", i, err)
			}
		}

		hot, err := detector.HotPixels(f, gaps, cfg.GetHotPixelSigma())
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		mask := gaps.Clone()
		if err := mask.Merge(hot); err != nil {
			return nil, err
		}
		if err := mask.Merge(aliens); err != nil {
			return nil, err
		}
		if err := f.Apply(mask); err != nil {
			return nil, err
		}
		if t := cfg.GetPhotonThreshold(); t > 0 {
			detector.PhotonThreshold(f, t)
		}

		if cfg.GetBackgroundSubtract() {
			plot := ""
			if i == nf/2 {
				plot = r.rc.outPath("radial_background.png")
			}
			if err := r.subtractBackground(f, mask, opt.BackgroundAnchors, plot); err != nil {
				return nil, fmt.Errorf("frame %d background: %w", i, err)
			}
			if plot != "" {
				res.PlotPath = plot
			}
		}

		fraction := mask.BadFraction()
		if warn := cfg.GetMaskedFractionWarn(); fraction > warn {
			monitoring.Logf("pipeline: frame %d masked fraction %.3f exceeds %.3f", i, fraction, warn)
		}
		res.Stats = append(res.Stats, &sqlite.FrameStats{
			RunID:          runID,
			FrameIndex:     i,
			MaskedFraction: fraction,
			HotPixels:      hot.BadCount(),
			MaxIntensity:   f.Max(),
			Integrated:     f.Sum(),
			Monitor:        monitor,
		})
		corrected = append(corrected, f.Data...)
	}

	stack, err := volume.FromRealData(nf, ny, nx, corrected)
	if err != nil {
		return nil, err
	}
	var shift [3]int
	switch cfg.GetCenteringMode() {
	case "com":
		stack, shift = stack.CenterCOM()
	default:
		stack, shift = stack.CenterMax()
	}
	res.Shift = shift

	if shape := cfg.GetOutputShape(); len(shape) == 3 {
		stack, err = stack.CropPad(shape[0], shape[1], shape[2])
		if err != nil {
			return nil, fmt.Errorf("crop to output shape: %w", err)
		}
	}
	res.Shape = stack.Shape()

	res.OutputPath = r.rc.outPath("preprocessed.npy")
	if err := volume.SaveFieldNPY(res.OutputPath, stack.Shape(), stack.Amplitude()); err != nil {
		return nil, fmt.Errorf("write preprocessed stack: %w", err)
	}

	if err := r.rc.Store.InsertFrameStats(res.Stats); err != nil {
		return nil, fmt.Errorf("record frame stats: %w", err)
	}
	return res, nil
}

// loadStack reads a 3D float NPY stack and splits it into frames.
func (r *PreprocessRunner) loadStack(path string) ([]*detector.Frame, int, int, error) {
	data, err := r.rc.FS.ReadFile(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read stack: %w", err)
	}
	arr, err := volume.ReadNPY(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode stack: %w", err)
	}
	if len(arr.Shape) != 3 || arr.Floats == nil {
		return nil, 0, 0, fmt.Errorf("stack must be a 3D float array, got %s %v", arr.Dtype, arr.Shape)
	}
	nf, ny, nx := arr.Shape[0], arr.Shape[1], arr.Shape[2]
	frames := make([]*detector.Frame, nf)
	for i := 0; i < nf; i++ {
		data := make([]float64, ny*nx)
		copy(data, arr.Floats[i*ny*nx:(i+1)*ny*nx])
		f, err := detector.FrameFromData(ny, nx, data)
		if err != nil {
			return nil, 0, 0, err
		}
		frames[i] = f
	}
	return frames, ny, nx, nil
}

// loadFrame reads a single 2D float NPY array of the given shape.
func (r *PreprocessRunner) loadFrame(path string, ny, nx int) (*detector.Frame, error) {
	data, err := r.rc.FS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	arr, err := volume.ReadNPY(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 2 || arr.Floats == nil {
		return nil, fmt.Errorf("expected a 2D float array, got %s %v", arr.Dtype, arr.Shape)
	}
	if arr.Shape[0] != ny || arr.Shape[1] != nx {
		return nil, fmt.Errorf("shape %v does not match frames (%d, %d)", arr.Shape, ny, nx)
	}
	return detector.FrameFromData(ny, nx, arr.Floats)
}

// subtractBackground fits a radial background around the brightest pixel
// and removes it from every unmasked pixel of the frame.
func (r *PreprocessRunner) subtractBackground(f *detector.Frame, mask *detector.Mask, anchors []float64, plotPath string) error {
	cy, cx := brightest(f, mask)
	profile, err := detector.RadialAverage(f, mask, float64(cy), float64(cx))
	if err != nil {
		return err
	}
	if len(anchors) == 0 {
		anchors = defaultAnchors(profile)
	}
	scale := r.rc.Config.GetBackgroundScale()
	background, err := detector.FitBackground(profile, anchors, scale)
	if err != nil {
		return err
	}
	if plotPath != "" {
		if err := report.RadialAveragePlot(profile, background, plotPath); err != nil {
			monitoring.Logf("pipeline: radial plot: %v", err)
		}
	}

	maxR := len(background) - 1
	for y := 0; y < f.NY; y++ {
		for x := 0; x < f.NX; x++ {
			if mask.IsBad(y, x) {
				continue
			}
			rr := int(math.Hypot(float64(y-cy), float64(x-cx)) + 0.5)
			if rr > maxR {
				rr = maxR
			}
			v := f.At(y, x)
			if scale == detector.ScaleLog {
				v -= math.Pow(10, background[rr])
				if v <= 1 {
					v = 1
				}
			} else {
				v -= background[rr]
				if v < 0 {
					v = 0
				}
			}
			f.Set(y, x, v)
		}
	}
	return nil
}

// defaultAnchors spreads anchor rings across the usable radial range.
func defaultAnchors(p *detector.RadialProfile) []float64 {
	fractions := []float64{0.05, 0.15, 0.3, 0.5, 0.7, 0.85, 0.95}
	maxD := p.Distances[len(p.Distances)-1]
	anchors := make([]float64, len(fractions))
	for i, f := range fractions {
		anchors[i] = f * maxD
	}
	return anchors
}

func brightest(f *detector.Frame, mask *detector.Mask) (cy, cx int) {
	best := math.Inf(-1)
	for y := 0; y < f.NY; y++ {
		for x := 0; x < f.NX; x++ {
			if mask.IsBad(y, x) {
				continue
			}
			if v := f.At(y, x); v > best {
				best, cy, cx = v, y, x
			}
		}
	}
	return cy, cx
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
