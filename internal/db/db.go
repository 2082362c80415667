// Package db opens and maintains the SQLite database holding analysis
// run records, and exposes admin/debug routes over it.
package db

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the analysis database at path and
// bootstraps the base schema. Schema evolution beyond the base tables
// goes through MigrateUp.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS analysis_runs (
			run_id            TEXT PRIMARY KEY,
			kind              TEXT NOT NULL,
			input_path        TEXT,
			params_json       TEXT,
			status            TEXT NOT NULL DEFAULT 'running',
			error             TEXT,
			started_at        BIGINT,
			finished_at       BIGINT
		);
		CREATE TABLE IF NOT EXISTS strain_stats (
			run_id            TEXT PRIMARY KEY,
			voxels            BIGINT,
			mean_strain       DOUBLE,
			std_strain        DOUBLE,
			rms_strain        DOUBLE,
			min_strain        DOUBLE,
			max_strain        DOUBLE,
			planar_distance   DOUBLE,
			voxel_size        DOUBLE,
			reference_axis    TEXT,
			temperature_c     DOUBLE,
			created_at        BIGINT,
			FOREIGN KEY(run_id) REFERENCES analysis_runs(run_id)
		);
		CREATE TABLE IF NOT EXISTS frame_stats (
			run_id            TEXT,
			frame_index       BIGINT,
			masked_fraction   DOUBLE,
			hot_pixels        BIGINT,
			max_intensity     DOUBLE,
			integrated        DOUBLE,
			monitor           DOUBLE,
			PRIMARY KEY(run_id, frame_index),
			FOREIGN KEY(run_id) REFERENCES analysis_runs(run_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// AttachAdminRoutes mounts the SQL debug browser and a backup endpoint
// on the mux under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://analysis.db", db.DB, &tailsql.DBOptions{
		Label: "Analysis DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("backup failed: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.Remove(backupPath)

		f, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("open backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", backupPath))
		if _, err := io.Copy(w, f); err != nil {
			log.Printf("stream backup: %v", err)
		}
	}))
}
