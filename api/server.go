// Package api exposes the analysis results over HTTP: run listings and
// strain statistics as JSON, plus go-echarts debug charts rendered
// straight from the run outputs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/monitoring"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
	"github.com/beamline-data/bragg.report/internal/strain"
	"github.com/beamline-data/bragg.report/internal/volume"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Number of bins for the debug histogram chart.
const histogramChartBins = 50

// Server handles the HTTP interface for browsing analysis runs.
type Server struct {
	store     *sqlite.RunStore
	fs        fsutil.FileSystem
	outputDir string
	server    *http.Server
}

// ServerConfig contains configuration options for the results server.
type ServerConfig struct {
	Address   string
	Store     *sqlite.RunStore
	FS        fsutil.FileSystem
	OutputDir string
}

// NewServer creates a results server with the provided configuration.
func NewServer(config ServerConfig) *Server {
	s := &Server{
		store:     config.Store,
		fs:        config.FS,
		outputDir: config.OutputDir,
	}
	s.server = &http.Server{
		Addr:    config.Address,
		Handler: s.ServeMux(),
	}
	return s
}

// ServeMux configures the HTTP routes and handlers.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/runs", s.handleListRuns)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/strain", s.handleStrainStats)
	mux.HandleFunc("/debug/charts/strain", s.handleStrainHistogram)
	mux.HandleFunc("/debug/charts/masking", s.handleMaskedFraction)

	return mux
}

// Start begins the HTTP server and blocks until the context is
// cancelled, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		monitoring.Logf("api: starting HTTP server on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("api: server error: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("api: shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("api: shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("api: force close error: %v", err)
		}
	}
	return nil
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleListRuns returns recent analysis runs as a JSON array.
// Query params:
//
//	kind (optional: preprocess, strain, simulate)
//	limit (optional, default 50)
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	runs, err := s.store.ListRuns(r.URL.Query().Get("kind"), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	s.writeJSON(w, runs)
}

// handleRun returns one run with its per-frame statistics.
// Query params: run_id (required).
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %s: %v", runID, err))
		return
	}
	frames, err := s.store.ListFrameStats(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("frame stats: %v", err))
		return
	}
	s.writeJSON(w, runDetail{Run: run, Frames: frames})
}

// runDetail is the /api/run response body.
type runDetail struct {
	Run    *sqlite.AnalysisRun  `json:"run"`
	Frames []*sqlite.FrameStats `json:"frames,omitempty"`
}

// handleStrainStats returns the stored strain aggregates for a run.
// Query params: run_id (required).
func (s *Server) handleStrainStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}
	stats, err := s.store.GetStrainStats(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("strain stats for %s: %v", runID, err))
		return
	}
	s.writeJSON(w, stats)
}

// handleStrainHistogram renders an HTML bar chart of the strain
// distribution from the run's strain.npy output. Debugging-only
// endpoint (no auth) for a quick look without the plot files.
func (s *Server) handleStrainHistogram(w http.ResponseWriter, r *http.Request) {
	field, err := volume.LoadNPY(s.fs, filepath.Join(s.outputDir, "strain.npy"))
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("load strain field: %v", err))
		return
	}

	// Strain is zeroed outside the bulk, so the nonzero voxels are the bulk.
	shape := field.Shape()
	values := make([]float64, field.Len())
	bulk := volume.NewMask(shape[0], shape[1], shape[2])
	for i, c := range field.Data {
		values[i] = real(c)
		if values[i] != 0 {
			bulk.In[i] = 1
		}
	}
	edges, counts, err := strain.Histogram(values, bulk, histogramChartBins)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("histogram: %v", err))
		return
	}

	labels := make([]string, len(counts))
	data := make([]opts.BarData, len(counts))
	for i := range counts {
		labels[i] = fmt.Sprintf("%.2e", (edges[i]+edges[i+1])/2)
		data[i] = opts.BarData{Value: counts[i]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Strain Histogram", Theme: "dark", Width: "900px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Strain Distribution", Subtitle: fmt.Sprintf("bulk voxels=%d", bulk.Count())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strain"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "voxels"}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("strain", data)

	s.renderChart(w, bar)
}

// handleMaskedFraction renders an HTML scatter of per-frame masked
// fraction for one run.
// Query params: run_id (required).
func (s *Server) handleMaskedFraction(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}
	frames, err := s.store.ListFrameStats(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("frame stats: %v", err))
		return
	}
	if len(frames) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no frame stats for run")
		return
	}

	data := make([]opts.ScatterData, len(frames))
	for i, f := range frames {
		data[i] = opts.ScatterData{Value: []interface{}{f.FrameIndex, f.MaskedFraction}}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Masked Fraction", Theme: "dark", Width: "900px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Masked Fraction per Frame", Subtitle: fmt.Sprintf("run=%s frames=%d", runID, len(frames))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "masked fraction"}),
	)
	scatter.AddSeries("masked", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	s.renderChart(w, scatter)
}

type chartRenderer interface {
	Render(w io.Writer) error
}

func (s *Server) renderChart(w http.ResponseWriter, chart chartRenderer) {
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
