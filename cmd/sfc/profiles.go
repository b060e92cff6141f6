package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/campus.safety/internal/config"
	"github.com/banshee-data/campus.safety/internal/db"
	"github.com/banshee-data/campus.safety/internal/facematch"
	"github.com/disintegration/imaging"
)

type profilesOptions struct {
	ConfigPath string
	EnvFile    string
	DBPath     string
	Search     string
	Add        bool
	Update     string
	Delete     string
	Match      string
	Limit      int
	JSON       bool

	Name       string
	MemberID   string
	Department string
	Email      string
	Phone      string
	Info       string
	Image      string
}

func handleProfiles(args []string) {
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	var o profilesOptions
	fs.StringVar(&o.ConfigPath, "config", "", "Analysis config JSON file")
	fs.StringVar(&o.EnvFile, "env", ".env", "File with SFC_* overrides (skipped if missing)")
	fs.StringVar(&o.DBPath, "db", "", "History database (overrides config)")
	fs.StringVar(&o.Search, "q", "", "Match a substring of the name, member ID or department")
	fs.BoolVar(&o.Add, "add", false, "Add a profile from -name, -member-id and -image")
	fs.StringVar(&o.Update, "update", "", "Update the profile with this ID")
	fs.StringVar(&o.Delete, "delete", "", "Delete the profile with this ID")
	fs.StringVar(&o.Match, "match", "", "Rank the stored profiles against this face image")
	fs.IntVar(&o.Limit, "limit", 5, "Maximum candidates printed by -match")
	fs.BoolVar(&o.JSON, "json", false, "Print JSON")
	fs.StringVar(&o.Name, "name", "", "Full name")
	fs.StringVar(&o.MemberID, "member-id", "", "Student or staff ID")
	fs.StringVar(&o.Department, "department", "", "Department")
	fs.StringVar(&o.Email, "email", "", "Email address")
	fs.StringVar(&o.Phone, "phone", "", "Phone number")
	fs.StringVar(&o.Info, "info", "", "Additional information")
	fs.StringVar(&o.Image, "image", "", "Reference face image")
	fs.Parse(args)

	if err := runProfiles(context.Background(), o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Profiles failed: %v\n", err)
		os.Exit(1)
	}
}

// embedImageFile decodes the image at path and embeds it whole.
func embedImageFile(ctx context.Context, embedder facematch.Embedder, path string) ([]float64, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return embedder.Embed(ctx, img)
}

// loadGallery builds the known-face gallery from the stored profiles.
// Profiles without an embedding, or embedded at another size, are
// skipped.
func loadGallery(ctx context.Context, database *db.DB, cfg *config.AnalysisConfig) (*facematch.Gallery, error) {
	profiles, err := database.Profiles(ctx, "")
	if err != nil {
		return nil, err
	}
	gallery := facematch.NewGallery(cfg.GetMatchThreshold())
	for _, p := range profiles {
		if len(p.Embedding) == 0 {
			continue
		}
		if err := gallery.Add(facematch.Reference{ID: p.ID, Name: p.Name, Embedding: p.Embedding}); err != nil {
			log.Printf("skipping profile %s (%s): %v", p.ID, p.Name, err)
		}
	}
	return gallery, nil
}

func runProfiles(ctx context.Context, o profilesOptions, out io.Writer) error {
	cfg, err := loadConfig(o.ConfigPath, o.EnvFile)
	if err != nil {
		return err
	}
	path := o.DBPath
	if path == "" {
		path = cfg.GetDBPath()
	}
	database, err := db.NewDB(path)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	embedder := facematch.ThumbnailEmbedder{Size: cfg.GetEmbeddingSize()}

	switch {
	case o.Add:
		if o.Image == "" {
			return errors.New("--image is required with --add")
		}
		emb, err := embedImageFile(ctx, embedder, o.Image)
		if err != nil {
			return err
		}
		p, err := database.InsertProfile(ctx, db.Profile{
			Name: o.Name, MemberID: o.MemberID, Department: o.Department,
			Email: o.Email, Phone: o.Phone, AdditionalInfo: o.Info,
			ImageName: filepath.Base(o.Image), Embedding: emb,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Added %s (%s)\n", p.ID, p.Name)
		return nil

	case o.Update != "":
		p, err := database.GetProfile(ctx, o.Update)
		if err != nil {
			return err
		}
		overlay(&p.Name, o.Name)
		overlay(&p.MemberID, o.MemberID)
		overlay(&p.Department, o.Department)
		overlay(&p.Email, o.Email)
		overlay(&p.Phone, o.Phone)
		overlay(&p.AdditionalInfo, o.Info)
		p.Embedding = nil
		if o.Image != "" {
			if p.Embedding, err = embedImageFile(ctx, embedder, o.Image); err != nil {
				return err
			}
			p.ImageName = filepath.Base(o.Image)
		}
		if err := database.UpdateProfile(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(out, "Updated %s\n", p.ID)
		return nil

	case o.Delete != "":
		if err := database.DeleteProfile(ctx, o.Delete); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", o.Delete)
		return nil

	case o.Match != "":
		emb, err := embedImageFile(ctx, embedder, o.Match)
		if err != nil {
			return err
		}
		gallery, err := loadGallery(ctx, database, cfg)
		if err != nil {
			return err
		}
		ranked := gallery.Rank(emb)
		if o.Limit > 0 && len(ranked) > o.Limit {
			ranked = ranked[:o.Limit]
		}
		if o.JSON {
			return writeJSON(out, ranked)
		}
		if len(ranked) == 0 {
			fmt.Fprintln(out, "No profiles")
			return nil
		}
		for _, m := range ranked {
			verdict := ""
			if m.Similarity >= cfg.GetMatchThreshold() {
				verdict = "  match"
			}
			fmt.Fprintf(out, "%5.1f%%  %-24s %s%s\n", m.Similarity*100, m.Name, m.ID, verdict)
		}
		return nil
	}

	profiles, err := database.Profiles(ctx, o.Search)
	if err != nil {
		return err
	}
	for i := range profiles {
		profiles[i].Embedding = nil
	}
	if o.JSON {
		if profiles == nil {
			profiles = []db.Profile{}
		}
		return writeJSON(out, profiles)
	}
	if len(profiles) == 0 {
		fmt.Fprintln(out, "No profiles")
		return nil
	}
	for _, p := range profiles {
		fmt.Fprintf(out, "%-24s %-12s %-16s %s\n", p.Name, p.MemberID, p.Department, p.ID)
	}
	return nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
