package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/banshee-data/campus.safety/internal/config"
	"github.com/banshee-data/campus.safety/internal/db"
	"github.com/banshee-data/campus.safety/internal/detector"
	"github.com/banshee-data/campus.safety/internal/facematch"
	"github.com/banshee-data/campus.safety/internal/frame"
	"github.com/banshee-data/campus.safety/internal/fsutil"
	"github.com/banshee-data/campus.safety/internal/fusion"
	"github.com/banshee-data/campus.safety/internal/health"
	"github.com/banshee-data/campus.safety/internal/incident"
	"github.com/banshee-data/campus.safety/internal/pipeline"
	"github.com/banshee-data/campus.safety/internal/report"
)

type runOptions struct {
	ConfigPath   string
	EnvFile      string
	ReplayDir    string
	Loop         bool
	Rate         float64
	MaxWidth     int
	FixturesDir  string
	Formats      string
	DebugListen  string
	HealthListen string
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var o runOptions
	fs.StringVar(&o.ConfigPath, "config", "", "Analysis config JSON file")
	fs.StringVar(&o.EnvFile, "env", ".env", "File with SFC_* overrides (skipped if missing)")
	fs.StringVar(&o.ReplayDir, "replay", "", "Directory of images to play as the frame stream (required)")
	fs.BoolVar(&o.Loop, "loop", false, "Loop the replay directory until interrupted")
	fs.Float64Var(&o.Rate, "rate", 1, "Replay speed relative to frame timestamps (0 plays as fast as images decode)")
	fs.IntVar(&o.MaxWidth, "max-width", 0, "Downscale replay images wider than this")
	fs.StringVar(&o.FixturesDir, "fixtures", "", "Directory of <kind>.json detector fixtures")
	fs.StringVar(&o.Formats, "formats", "pdf,json,html", "Comma-separated report formats")
	fs.StringVar(&o.DebugListen, "debug-listen", "", "Serve /debug/ admin routes on this address")
	fs.StringVar(&o.HealthListen, "health-listen", "", "Serve the gRPC health service on this address")
	verbose := fs.Bool("v", false, "Log per-session diagnostics")
	trace := fs.Bool("trace", false, "Log per-frame telemetry")
	fs.Parse(args)

	if o.ReplayDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --replay flag is required")
		fs.Usage()
		os.Exit(1)
	}
	configureLogging(os.Stderr, *verbose, *trace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := runSession(ctx, o, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}
	if summary.Status == pipeline.StatusFailed {
		os.Exit(1)
	}
}

func configureLogging(w io.Writer, verbose, trace bool) {
	streams := pipeline.LogWriters{Ops: w}
	var traceW io.Writer
	if verbose {
		streams.Diag = w
	}
	if trace {
		streams.Trace = w
		traceW = w
	}
	pipeline.SetLogWriters(streams)
	frame.SetLogWriters(w, traceW)
}

// loadBackends returns a classifier per detector kind. A fixture file
// <kind>.json in dir wins; otherwise hazard falls back to the colour
// heuristic and the other kinds have no model.
func loadBackends(dir string) (map[detector.Kind]detector.Classifier, error) {
	backends := make(map[detector.Kind]detector.Classifier, len(detector.Kinds))
	for _, kind := range detector.Kinds {
		if dir != "" {
			path := filepath.Join(dir, kind.String()+".json")
			if _, err := os.Stat(path); err == nil {
				c, err := detector.LoadFixture(path)
				if err != nil {
					return nil, fmt.Errorf("%s fixture: %w", kind, err)
				}
				backends[kind] = c
				continue
			}
		}
		if kind == detector.Hazard {
			backends[kind] = detector.NewColorHazardClassifier()
			continue
		}
		backends[kind] = detector.Unavailable{Reason: fmt.Sprintf("no %s model installed", kind)}
	}
	return backends, nil
}

// runSession plays o.ReplayDir through one pipeline session, exports
// reports and history, and prints a summary to out.
func runSession(ctx context.Context, o runOptions, out io.Writer) (*pipeline.Summary, error) {
	cfg, err := loadConfig(o.ConfigPath, o.EnvFile)
	if err != nil {
		return nil, err
	}
	formats, err := report.ParseFormats(o.Formats)
	if err != nil {
		return nil, err
	}
	backends, err := loadBackends(o.FixturesDir)
	if err != nil {
		return nil, err
	}
	src, err := frame.NewReplaySource(o.ReplayDir, frame.ReplayOptions{
		Interval: cfg.GetReplayInterval(),
		MaxWidth: o.MaxWidth,
		Loop:     o.Loop,
		Rate:     o.Rate,
		Unpaced:  o.Rate <= 0,
	})
	if err != nil {
		return nil, err
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	gallery, err := loadGallery(ctx, database, cfg)
	if err != nil {
		return nil, err
	}
	if gallery.Len() > 0 {
		backends[detector.Face] = facematch.NewRecognizer(backends[detector.Face],
			facematch.ThumbnailEmbedder{Size: cfg.GetEmbeddingSize()}, gallery)
		log.Printf("matching faces against %d known profiles", gallery.Len())
	}
	sightings := make(knownFaces)

	source := "replay:" + o.ReplayDir
	files := report.NewFileExporter(cfg.GetReportDir(), formats, report.Meta{Source: source})
	history := &db.HistoryExporter{DB: database, MaxRecords: cfg.GetMaxHistoryRecords()}

	sess, err := pipeline.NewSession(src, pipeline.Options{
		Config:     pipeline.ConfigFrom(cfg),
		NewAdapter: pipeline.NewAdapterFactory(backends, detector.Options{InputSize: cfg.GetDetectorInputSize()}),
		Exporter:   report.Multi{files, history},
		OnObservation: func(obs fusion.Observation) {
			for _, name := range obs.KnownFaces {
				sightings[name]++
			}
		},
		OnIncident: func(inc incident.Incident) {
			log.Printf("incident %s closed: %s, peak %.2f, %d observations",
				inc.ID, inc.Category, inc.PeakConfidence, len(inc.ObservationIDs))
		},
	})
	if err != nil {
		return nil, err
	}
	files.Meta.SessionID = sess.ID
	history.SessionID = sess.ID

	// History writes use a context that survives cancellation.
	dbCtx := context.WithoutCancel(ctx)
	if err := database.StartSessionRun(dbCtx, sess.ID, source, time.Now()); err != nil {
		return nil, err
	}

	var healthSrv *health.Server
	if o.HealthListen != "" {
		healthSrv = health.NewServer(o.HealthListen)
		if err := healthSrv.Start(); err != nil {
			return nil, err
		}
		defer healthSrv.Stop()
		healthSrv.SetServing(true)
	}

	if o.DebugListen != "" {
		stopDebug, err := serveDebug(o.DebugListen, database, cfg)
		if err != nil {
			return nil, err
		}
		defer stopDebug()
	}

	summary, runErr := sess.Run(ctx)
	if healthSrv != nil {
		healthSrv.SetServing(false)
	}
	if summary == nil {
		return nil, runErr
	}

	if err := database.FinishSessionRun(dbCtx, sessionRun(summary)); err != nil {
		runErr = errors.Join(runErr, err)
	}
	printSummary(out, summary, sightings, files.Written())
	return summary, runErr
}

func serveDebug(addr string, database *db.DB, cfg *config.AnalysisConfig) (func(), error) {
	mux := http.NewServeMux()
	if err := database.AttachAdminRoutes(mux, report.Handler(fsutil.OSFileSystem{}, cfg.GetReportDir())); err != nil {
		return nil, err
	}
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server error: %v", err)
		}
	}()
	log.Printf("debug routes on http://%s/debug/", addr)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("debug server shutdown error: %v", err)
		}
	}, nil
}

func sessionRun(s *pipeline.Summary) db.SessionRun {
	return db.SessionRun{
		ID:             s.SessionID,
		EndedAt:        s.EndedAt,
		Status:         string(s.Status),
		Error:          s.Error,
		FramesAdmitted: s.FramesAdmitted,
		FramesFused:    s.FramesFused,
		FramesDropped:  s.FramesDropped,
		FramesTimedOut: s.FramesTimedOut,
		Observations:   s.Observations,
		Incidents:      len(s.Incidents),
	}
}

// knownFaces counts the frames each recognised person appeared in.
type knownFaces map[string]int

func printSummary(w io.Writer, s *pipeline.Summary, known knownFaces, written []string) {
	fmt.Fprintf(w, "Session %s %s in %s\n", s.SessionID, s.Status, s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  frames: %d admitted, %d fused, %d dropped, %d timed out\n",
		s.FramesAdmitted, s.FramesFused, s.FramesDropped, s.FramesTimedOut)
	fmt.Fprintf(w, "  observations: %d, incidents: %d\n", s.Observations, len(s.Incidents))
	for _, k := range s.DisabledDetectors {
		fmt.Fprintf(w, "  detector disabled: %s\n", k)
	}
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  known face: %s in %d frames\n", name, known[name])
	}
	for _, inc := range s.Incidents {
		fmt.Fprintf(w, "  %s  %-16s %s  peak %.2f\n",
			inc.FirstSeen.Format(time.RFC3339), inc.Category, inc.Duration().Round(time.Millisecond), inc.PeakConfidence)
	}
	for _, p := range written {
		fmt.Fprintf(w, "  report: %s\n", p)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}
}
