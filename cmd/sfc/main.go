// Command sfc runs the frame analysis pipeline over a stream of images
// and manages the incident history and generated reports.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/campus.safety/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "history":
		handleHistory(args)
	case "reports":
		handleReports(args)
	case "profiles":
		handleProfiles(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`sfc - frame analysis pipeline for campus safety cameras

Usage: sfc <command> [options]

Commands:
  run        Analyse a frame stream and export incident reports
  history    Query, summarise or clear the stored incident history
  reports    List or delete generated report files
  profiles   Manage known-face profiles and match face images against them
  version    Show sfc version
  help       Show this help message

Common Flags:
  --config <file>    Analysis config JSON (defaults built in)
  --env <file>       .env file with SFC_* overrides (default: .env)

Examples:
  # Replay a directory of images with the built-in hazard heuristic
  sfc run --replay ./frames --formats pdf,json

  # Use scripted detector fixtures and expose the debug routes
  sfc run --replay ./frames --fixtures ./fixtures --debug-listen 127.0.0.1:8090

  # Fire incidents from the last day
  sfc history --q fire --from 2026-10-15T00:00:00Z

  # Statistics over the whole history
  sfc history --stats

  # Register a known face, then check a capture against the profiles
  sfc profiles --add --name "Rin Okafor" --member-id S-1001 --image rin.jpg
  sfc profiles --match capture.jpg

Run "sfc <command> -h" for the flags of a command.`)
}
