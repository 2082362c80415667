// Package pipeline provides the analysis runners that orchestrate the
// preprocessing and strain stages over detector stacks and
// reconstructions.
//
// This package is the composition root: it imports from the stage
// packages (detector, volume, phase, strain, report) and storage, but
// none of those packages import pipeline/.
package pipeline

import (
	"path/filepath"

	"github.com/beamline-data/bragg.report/internal/config"
	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
)

// RunContext bundles per-run dependencies that were previously accessed
// via global registries. Passing a RunContext through constructors makes
// wiring explicit and testing deterministic.
type RunContext struct {
	Store     *sqlite.RunStore
	Config    *config.TuningConfig
	FS        fsutil.FileSystem
	OutputDir string
}

// outPath resolves an output file name against the run's output directory.
func (rc *RunContext) outPath(name string) string {
	return filepath.Join(rc.OutputDir, name)
}
