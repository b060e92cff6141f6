package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/banshee-data/campus.safety/internal/db"
)

type historyOptions struct {
	ConfigPath string
	EnvFile    string
	DBPath     string
	Search     string
	From, To   string
	Limit      int
	Stats      bool
	Sessions   bool
	Delete     string
	Clear      bool
	JSON       bool
}

func handleHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var o historyOptions
	fs.StringVar(&o.ConfigPath, "config", "", "Analysis config JSON file")
	fs.StringVar(&o.EnvFile, "env", ".env", "File with SFC_* overrides (skipped if missing)")
	fs.StringVar(&o.DBPath, "db", "", "History database (overrides config)")
	fs.StringVar(&o.Search, "q", "", "Match a substring of the category or incident ID")
	fs.StringVar(&o.From, "from", "", "Only incidents first seen at or after this RFC 3339 time")
	fs.StringVar(&o.To, "to", "", "Only incidents first seen at or before this RFC 3339 time")
	fs.IntVar(&o.Limit, "limit", 50, "Maximum incidents to list")
	fs.BoolVar(&o.Stats, "stats", false, "Print statistics instead of incidents")
	fs.BoolVar(&o.Sessions, "sessions", false, "List recent session runs")
	fs.StringVar(&o.Delete, "delete", "", "Delete the incident with this ID")
	fs.BoolVar(&o.Clear, "clear", false, "Delete every stored incident")
	fs.BoolVar(&o.JSON, "json", false, "Print JSON")
	fs.Parse(args)

	if err := runHistory(context.Background(), o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
		os.Exit(1)
	}
}

func parseFlagTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 time: %w", name, err)
	}
	return t, nil
}

func runHistory(ctx context.Context, o historyOptions, out io.Writer) error {
	path := o.DBPath
	if path == "" {
		cfg, err := loadConfig(o.ConfigPath, o.EnvFile)
		if err != nil {
			return err
		}
		path = cfg.GetDBPath()
	}
	database, err := db.NewDB(path)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	switch {
	case o.Delete != "":
		if err := database.DeleteIncident(ctx, o.Delete); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", o.Delete)
		return nil
	case o.Clear:
		n, err := database.ClearIncidents(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d incidents\n", n)
		return nil
	case o.Stats:
		stats, err := database.IncidentStats(ctx)
		if err != nil {
			return err
		}
		if o.JSON {
			return writeJSON(out, stats)
		}
		printStats(out, stats)
		return nil
	case o.Sessions:
		runs, err := database.SessionRuns(ctx, o.Limit)
		if err != nil {
			return err
		}
		if o.JSON {
			return writeJSON(out, runs)
		}
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %s  %-9s frames %d/%d fused, %d dropped, %d incidents  %s\n",
				r.StartedAt.Format(time.RFC3339), r.ID, r.Status,
				r.FramesFused, r.FramesAdmitted, r.FramesDropped, r.Incidents, r.Source)
		}
		return nil
	}

	q := db.IncidentQuery{Search: o.Search, Limit: o.Limit}
	if q.From, err = parseFlagTime("from", o.From); err != nil {
		return err
	}
	if q.To, err = parseFlagTime("to", o.To); err != nil {
		return err
	}
	recs, err := database.Incidents(ctx, q)
	if err != nil {
		return err
	}
	if o.JSON {
		if recs == nil {
			recs = []db.IncidentRecord{}
		}
		return writeJSON(out, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No incidents")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s  %-16s %8s  peak %.2f  %3d obs  %s\n",
			r.FirstSeen.Format(time.RFC3339), r.Category, r.Duration().Round(time.Millisecond),
			r.PeakConfidence, len(r.ObservationIDs), r.ID)
	}
	return nil
}

func printStats(w io.Writer, s db.IncidentStats) {
	fmt.Fprintf(w, "Incidents: %d\n", s.Count)
	if s.Count == 0 {
		return
	}
	fmt.Fprintf(w, "Peak confidence: mean %.2f, max %.2f, min %.2f\n", s.MeanPeak, s.MaxPeak, s.MinPeak)
	fmt.Fprintf(w, "Span: %s to %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
	cats := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(w, "  %-16s %d\n", c, s.ByCategory[c])
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
