package report

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/campus.safety/internal/fsutil"
	"github.com/banshee-data/campus.safety/internal/incident"
	"github.com/banshee-data/campus.safety/internal/timeutil"
	"go.uber.org/multierr"
)

var writers = map[Format]func(io.Writer, Document) error{
	PDF:  WritePDF,
	JSON: WriteJSON,
	HTML: WriteHTML,
}

// FileExporter writes one file per format into Dir. All files of one
// export share a base name; a second export within the same second
// gets a numeric suffix.
type FileExporter struct {
	Dir     string
	Formats []Format
	Meta    Meta
	FS      fsutil.FileSystem
	Clock   timeutil.Clock

	mu      sync.Mutex
	written []string
}

// NewFileExporter returns an exporter writing formats to dir on disk.
func NewFileExporter(dir string, formats []Format, meta Meta) *FileExporter {
	return &FileExporter{
		Dir:     dir,
		Formats: formats,
		Meta:    meta,
		FS:      fsutil.OSFileSystem{},
		Clock:   timeutil.RealClock{},
	}
}

// Export writes the report files. A failure in one format does not
// stop the others; all failures are returned together.
func (e *FileExporter) Export(ctx context.Context, incidents []incident.Incident) error {
	if err := e.FS.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	now := e.Clock.Now()
	doc := NewDocument(incidents, now, e.Meta)
	base := e.freeBase(now)

	var errs error
	for _, f := range e.Formats {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		write, ok := writers[f]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("unknown report format %q", f))
			continue
		}
		path := filepath.Join(e.Dir, base+"."+string(f))
		if err := e.writeFile(path, doc, write); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s report: %w", f, err))
			continue
		}
		e.mu.Lock()
		e.written = append(e.written, path)
		e.mu.Unlock()
	}
	return errs
}

func (e *FileExporter) writeFile(path string, doc Document, write func(io.Writer, Document) error) (err error) {
	out, err := e.FS.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()
	return write(out, doc)
}

// freeBase returns the first base name at now not used by any format.
func (e *FileExporter) freeBase(now time.Time) string {
	for seq := 1; ; seq++ {
		base := baseName(now, seq)
		taken := false
		for _, f := range Formats {
			if e.FS.Exists(filepath.Join(e.Dir, base+"."+string(f))) {
				taken = true
				break
			}
		}
		if !taken {
			return base
		}
	}
}

// Written returns the paths of every file written so far.
func (e *FileExporter) Written() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.written...)
}

// Multi sends the incidents to every exporter and joins their errors.
type Multi []Exporter

func (m Multi) Export(ctx context.Context, incidents []incident.Incident) error {
	var errs error
	for _, e := range m {
		errs = multierr.Append(errs, e.Export(ctx, incidents))
	}
	return errs
}
