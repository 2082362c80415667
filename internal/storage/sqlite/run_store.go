// Package sqlite persists analysis run records, per-run strain
// aggregates and per-frame masking statistics.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Run kinds.
const (
	KindPreprocess = "preprocess"
	KindStrain     = "strain"
	KindSimulate   = "simulate"
)

// AnalysisRun is one invocation of a pipeline over an input dataset.
type AnalysisRun struct {
	RunID      string          `json:"run_id"`
	Kind       string          `json:"kind"`
	InputPath  string          `json:"input_path"`
	ParamsJSON json.RawMessage `json:"params_json,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  int64           `json:"started_at"`
	FinishedAt int64           `json:"finished_at,omitempty"`
}

// StrainStats aggregates the strain field of one run over the bulk.
type StrainStats struct {
	RunID          string  `json:"run_id"`
	Voxels         int     `json:"voxels"`
	MeanStrain     float64 `json:"mean_strain"`
	StdStrain      float64 `json:"std_strain"`
	RMSStrain      float64 `json:"rms_strain"`
	MinStrain      float64 `json:"min_strain"`
	MaxStrain      float64 `json:"max_strain"`
	PlanarDistance float64 `json:"planar_distance"`
	VoxelSize      float64 `json:"voxel_size"`
	ReferenceAxis  string  `json:"reference_axis"`
	TemperatureC   float64 `json:"temperature_c,omitempty"`
	CreatedAt      int64   `json:"created_at"`
}

// FrameStats records the masking outcome for one detector frame.
type FrameStats struct {
	RunID          string  `json:"run_id"`
	FrameIndex     int     `json:"frame_index"`
	MaskedFraction float64 `json:"masked_fraction"`
	HotPixels      int     `json:"hot_pixels"`
	MaxIntensity   float64 `json:"max_intensity"`
	Integrated     float64 `json:"integrated"`
	Monitor        float64 `json:"monitor"`
}

// RunStore provides persistence for analysis runs and their statistics.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore backed by the given database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun persists a new run. An empty RunID gets a fresh UUID and an
// empty status defaults to running.
func (s *RunStore) InsertRun(run *AnalysisRun) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixNano()
	}
	var paramsStr interface{}
	if len(run.ParamsJSON) > 0 {
		paramsStr = string(run.ParamsJSON)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO analysis_runs (run_id, kind, input_path, params_json, status, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Kind, run.InputPath, paramsStr, run.Status, nullStr(run.Error), run.StartedAt, run.FinishedAt,
		)
		return err
	})
}

// FinishRun marks a run done or failed and stamps the finish time.
func (s *RunStore) FinishRun(runID, status, errMsg string) error {
	if status != StatusDone && status != StatusFailed {
		return fmt.Errorf("invalid final status %q", status)
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE analysis_runs SET status = ?, error = ?, finished_at = ?
			WHERE run_id = ?`,
			status, nullStr(errMsg), time.Now().UnixNano(), runID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	})
}

// GetRun returns a single run by ID.
func (s *RunStore) GetRun(runID string) (*AnalysisRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, kind, input_path, params_json, status, error, started_at, finished_at
		FROM analysis_runs WHERE run_id = ?`, runID)

	var run AnalysisRun
	var paramsStr, errStr sql.NullString
	err := row.Scan(&run.RunID, &run.Kind, &run.InputPath, &paramsStr, &run.Status, &errStr, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if paramsStr.Valid {
		run.ParamsJSON = json.RawMessage(paramsStr.String)
	}
	run.Error = errStr.String
	return &run, nil
}

// ListRuns returns runs ordered newest-first, optionally filtered by
// kind. limit <= 0 means no limit.
func (s *RunStore) ListRuns(kind string, limit int) ([]*AnalysisRun, error) {
	query := `
		SELECT run_id, kind, input_path, params_json, status, error, started_at, finished_at
		FROM analysis_runs`
	var args []interface{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*AnalysisRun
	for rows.Next() {
		var run AnalysisRun
		var paramsStr, errStr sql.NullString
		if err := rows.Scan(&run.RunID, &run.Kind, &run.InputPath, &paramsStr, &run.Status, &errStr, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if paramsStr.Valid {
			run.ParamsJSON = json.RawMessage(paramsStr.String)
		}
		run.Error = errStr.String
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// InsertStrainStats persists the strain aggregates of a run.
func (s *RunStore) InsertStrainStats(st *StrainStats) error {
	if st.RunID == "" {
		return fmt.Errorf("strain stats need a run id")
	}
	if st.CreatedAt == 0 {
		st.CreatedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO strain_stats (
				run_id, voxels, mean_strain, std_strain, rms_strain, min_strain, max_strain,
				planar_distance, voxel_size, reference_axis, temperature_c, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.RunID, st.Voxels, st.MeanStrain, st.StdStrain, st.RMSStrain, st.MinStrain, st.MaxStrain,
			st.PlanarDistance, st.VoxelSize, st.ReferenceAxis, st.TemperatureC, st.CreatedAt,
		)
		return err
	})
}

// GetStrainStats returns the strain aggregates of a run.
func (s *RunStore) GetStrainStats(runID string) (*StrainStats, error) {
	row := s.db.QueryRow(`
		SELECT run_id, voxels, mean_strain, std_strain, rms_strain, min_strain, max_strain,
		       planar_distance, voxel_size, reference_axis, temperature_c, created_at
		FROM strain_stats WHERE run_id = ?`, runID)

	var st StrainStats
	err := row.Scan(&st.RunID, &st.Voxels, &st.MeanStrain, &st.StdStrain, &st.RMSStrain, &st.MinStrain, &st.MaxStrain,
		&st.PlanarDistance, &st.VoxelSize, &st.ReferenceAxis, &st.TemperatureC, &st.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("strain stats for run %s not found", runID)
		}
		return nil, fmt.Errorf("scan strain stats: %w", err)
	}
	return &st, nil
}

// InsertFrameStats persists per-frame statistics in one transaction.
func (s *RunStore) InsertFrameStats(stats []*FrameStats) error {
	if len(stats) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO frame_stats (run_id, frame_index, masked_fraction, hot_pixels, max_intensity, integrated, monitor)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, fs := range stats {
			if _, err := stmt.Exec(fs.RunID, fs.FrameIndex, fs.MaskedFraction, fs.HotPixels, fs.MaxIntensity, fs.Integrated, fs.Monitor); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ListFrameStats returns the frame statistics of a run in frame order.
func (s *RunStore) ListFrameStats(runID string) ([]*FrameStats, error) {
	rows, err := s.db.Query(`
		SELECT run_id, frame_index, masked_fraction, hot_pixels, max_intensity, integrated, monitor
		FROM frame_stats WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query frame stats: %w", err)
	}
	defer rows.Close()

	var out []*FrameStats
	for rows.Next() {
		var fs FrameStats
		if err := rows.Scan(&fs.RunID, &fs.FrameIndex, &fs.MaskedFraction, &fs.HotPixels, &fs.MaxIntensity, &fs.Integrated, &fs.Monitor); err != nil {
			return nil, fmt.Errorf("scan frame stats: %w", err)
		}
		out = append(out, &fs)
	}
	return out, rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// retryOnBusy retries a write a few times when SQLite reports the
// database locked by a concurrent writer.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
