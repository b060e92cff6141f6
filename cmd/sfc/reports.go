package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/campus.safety/internal/fsutil"
	"github.com/banshee-data/campus.safety/internal/report"
)

type reportsOptions struct {
	ConfigPath string
	EnvFile    string
	Dir        string
	Delete     string
	JSON       bool
}

func handleReports(args []string) {
	fs := flag.NewFlagSet("reports", flag.ExitOnError)
	var o reportsOptions
	fs.StringVar(&o.ConfigPath, "config", "", "Analysis config JSON file")
	fs.StringVar(&o.EnvFile, "env", ".env", "File with SFC_* overrides (skipped if missing)")
	fs.StringVar(&o.Dir, "dir", "", "Report directory (overrides config)")
	fs.StringVar(&o.Delete, "delete", "", "Delete the named report file")
	fs.BoolVar(&o.JSON, "json", false, "Print JSON")
	fs.Parse(args)

	if err := runReports(fsutil.OSFileSystem{}, o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Reports failed: %v\n", err)
		os.Exit(1)
	}
}

func runReports(fsys fsutil.FileSystem, o reportsOptions, out io.Writer) error {
	dir := o.Dir
	if dir == "" {
		cfg, err := loadConfig(o.ConfigPath, o.EnvFile)
		if err != nil {
			return err
		}
		dir = cfg.GetReportDir()
	}

	if o.Delete != "" {
		if err := report.Remove(fsys, dir, o.Delete); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", o.Delete)
		return nil
	}

	files, err := report.List(fsys, dir)
	if err != nil {
		return err
	}
	if o.JSON {
		if files == nil {
			files = []report.File{}
		}
		return writeJSON(out, files)
	}
	if len(files) == 0 {
		fmt.Fprintf(out, "No reports in %s\n", dir)
		return nil
	}
	for _, f := range files {
		fmt.Fprintf(out, "%s  %-5s %8d  %s\n", f.GeneratedAt.Format(time.RFC3339), f.Format, f.Size, f.Name)
	}
	return nil
}
