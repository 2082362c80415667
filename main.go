// Command bragg-report runs the analysis results server: it watches a
// spool directory for new detector stacks, preprocesses them and serves
// the stored runs over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beamline-data/bragg.report/api"
	"github.com/beamline-data/bragg.report/internal/config"
	"github.com/beamline-data/bragg.report/internal/db"
	"github.com/beamline-data/bragg.report/internal/fsutil"
	"github.com/beamline-data/bragg.report/internal/pipeline"
	"github.com/beamline-data/bragg.report/internal/storage/sqlite"
	"github.com/beamline-data/bragg.report/internal/watch"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbPath        = flag.String("db", "analysis.db", "SQLite database path")
	configPath    = flag.String("config", config.DefaultConfigPath, "Tuning config JSON")
	spoolDir      = flag.String("spool", "", "Spool directory to watch for new .npy stacks (empty disables)")
	outputDir     = flag.String("out", "out", "Output directory for run artifacts")
	migrationsDir = flag.String("migrations", "migrations", "Schema migrations directory")
	settle        = flag.Duration("settle", 2*time.Second, "Quiet period before a spooled file is picked up")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
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
	rc := &pipeline.RunContext{
		Store:     sqlite.NewRunStore(database.DB),
		Config:    cfg,
		FS:        fs,
		OutputDir: *outputDir,
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Watch the spool directory and preprocess every settled .npy drop.
	// Runs are serialised: the beamline writes one scan at a time.
	if *spoolDir != "" {
		runner := pipeline.NewPreprocessRunner(rc)
		var busy atomic.Bool
		watcher, err := watch.New(*spoolDir, *settle, func(path string) {
			if !busy.CompareAndSwap(false, true) {
				log.Printf("spool: skipping %s, a run is already in progress", path)
				return
			}
			defer busy.Store(false)
			res, err := runner.Run(ctx, pipeline.PreprocessOptions{InputPath: path})
			if err != nil {
				log.Printf("spool: preprocess %s: %v", path, err)
				return
			}
			log.Printf("spool: run %s wrote %s", res.RunID, res.OutputPath)
		})
		if err != nil {
			log.Fatalf("failed to create spool watcher: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer watcher.Close()
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("spool watcher error: %v", err)
			}
			log.Print("spool watcher terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes before the API handlers
		database.AttachAdminRoutes(mux)

		apiMux := api.NewServer(api.ServerConfig{
			Store:     rc.Store,
			FS:        fs,
			OutputDir: *outputDir,
		}).ServeMux()
		for _, route := range []string{"/health", "/api/", "/debug/charts/"} {
			mux.Handle(route, apiMux)
		}

		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("got request %q", r.URL.Path)
			mux.ServeHTTP(w, r)
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: h,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
