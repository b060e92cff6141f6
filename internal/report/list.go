package report

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/campus.safety/internal/fsutil"
	"github.com/banshee-data/campus.safety/internal/security"
)

// ErrNotFound is returned for a name that is not a report in the directory.
var ErrNotFound = errors.New("report not found")

var reportNameRE = regexp.MustCompile(`^SFC_Report_(\d{8}_\d{6})(?:_(\d+))?\.(pdf|json|html)$`)

// File describes one report file.
type File struct {
	Name        string    `json:"name"`
	Path        string    `json:"-"`
	Format      Format    `json:"format"`
	GeneratedAt time.Time `json:"generated_at"`
	Size        int64     `json:"size"`

	seq int
}

// parseName extracts the generation time and format from a report
// file name. Times are read in the local zone, as ReportName writes
// them.
func parseName(name string) (File, bool) {
	m := reportNameRE.FindStringSubmatch(name)
	if m == nil {
		return File{}, false
	}
	ts, err := time.ParseInLocation(nameLayout, m[1], time.Local)
	if err != nil {
		return File{}, false
	}
	seq := 1
	if m[2] != "" {
		seq, _ = strconv.Atoi(m[2])
	}
	return File{Name: name, Format: Format(m[3]), GeneratedAt: ts, seq: seq}, true
}

// List returns the reports in dir, newest first. A missing directory
// has no reports.
func List(fsys fsutil.FileSystem, dir string) ([]File, error) {
	entries, err := fsys.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	var out []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseName(e.Name())
		if !ok {
			continue
		}
		f.Path = filepath.Join(dir, e.Name())
		if info, err := e.Info(); err == nil {
			f.Size = info.Size()
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.GeneratedAt.Equal(b.GeneratedAt) {
			return a.GeneratedAt.After(b.GeneratedAt)
		}
		if a.seq != b.seq {
			return a.seq > b.seq
		}
		return a.Name < b.Name
	})
	return out, nil
}

// resolve checks that name is a report file name and returns its path.
func resolve(fsys fsutil.FileSystem, dir, name string) (File, error) {
	if err := security.ValidateFileName(name); err != nil {
		return File{}, err
	}
	f, ok := parseName(name)
	if !ok {
		return File{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	f.Path = filepath.Join(dir, name)
	if _, isOS := fsys.(fsutil.OSFileSystem); isOS {
		if err := security.ValidatePathWithinDirectory(f.Path, dir); err != nil {
			return File{}, err
		}
	}
	if !fsys.Exists(f.Path) {
		return File{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return f, nil
}

// Read returns the content of the named report.
func Read(fsys fsutil.FileSystem, dir, name string) (File, []byte, error) {
	f, err := resolve(fsys, dir, name)
	if err != nil {
		return File{}, nil, err
	}
	data, err := fsys.ReadFile(f.Path)
	if err != nil {
		return File{}, nil, fmt.Errorf("read report: %w", err)
	}
	f.Size = int64(len(data))
	return f, data, nil
}

// Remove deletes the named report.
func Remove(fsys fsutil.FileSystem, dir, name string) error {
	f, err := resolve(fsys, dir, name)
	if err != nil {
		return err
	}
	if err := fsys.Remove(f.Path); err != nil {
		return fmt.Errorf("remove report: %w", err)
	}
	return nil
}
