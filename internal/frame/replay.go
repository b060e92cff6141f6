package frame

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/campus.safety/internal/timeutil"
	"github.com/disintegration/imaging"
)

// ReplayOptions configures a ReplaySource.
type ReplayOptions struct {
	// Start is the timestamp of the first frame. Zero means time.Now().
	Start time.Time

	// Interval separates consecutive frame timestamps.
	Interval time.Duration

	// MaxWidth downscales wider images, preserving aspect ratio.
	// Zero keeps the original size.
	MaxWidth int

	// Loop restarts from the first image instead of ending the stream.
	Loop bool

	// Rate scales playback speed against Interval: 2 delivers frames
	// twice as fast as their timestamps advance. Zero means 1.
	Rate float64

	// Unpaced delivers frames as fast as they decode.
	Unpaced bool

	// Clock paces delivery. Nil uses the real clock.
	Clock timeutil.Clock
}

var replayExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// ReplaySource plays a directory of still images as a camera stream,
// in file name order, with synthetic timestamps.
type ReplaySource struct {
	ledger *Ledger
	paths  []string
	opts   ReplayOptions
	next   int
	issued int

	lastWall time.Time
}

// NewReplaySource lists the images in dir. It fails if dir contains no
// supported image files.
func NewReplaySource(dir string, opts ReplayOptions) (*ReplaySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read replay dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if replayExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(paths)

	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Start.IsZero() {
		opts.Start = opts.Clock.Now()
	}
	return &ReplaySource{ledger: NewLedger(), paths: paths, opts: opts}, nil
}

// Len returns the number of images in one pass over the directory.
func (r *ReplaySource) Len() int { return len(r.paths) }

// Next decodes the next image and, unless Unpaced, waits until one
// Interval/Rate has passed since the previous frame was delivered.
// Next is not safe for concurrent use.
func (r *ReplaySource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.paths) {
		if !r.opts.Loop {
			return nil, ErrEndOfStream
		}
		r.next = 0
	}
	path := r.paths[r.next]
	r.next++

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if r.opts.MaxWidth > 0 && img.Bounds().Dx() > r.opts.MaxWidth {
		img = imaging.Resize(img, r.opts.MaxWidth, 0, imaging.Lanczos)
	}
	nrgba := imaging.Clone(img)

	if err := r.pace(ctx); err != nil {
		return nil, err
	}

	ts := r.opts.Start.Add(time.Duration(r.issued) * r.opts.Interval)
	id, err := r.ledger.Issue(ts, nil)
	if err != nil {
		return nil, err
	}
	r.issued++
	tracef("replay frame %d from %s (%dx%d)", id, filepath.Base(path), nrgba.Rect.Dx(), nrgba.Rect.Dy())

	return &Frame{
		ID:        id,
		Timestamp: ts,
		Width:     nrgba.Rect.Dx(),
		Height:    nrgba.Rect.Dy(),
		Buffer:    nrgba.Pix,
	}, nil
}

// pace sleeps off whatever is left of the frame interval after decode.
func (r *ReplaySource) pace(ctx context.Context) error {
	if r.opts.Unpaced {
		return nil
	}
	clock := r.opts.Clock
	if r.issued > 0 {
		frameDelta := time.Duration(float64(r.opts.Interval) / r.opts.Rate)
		wallDelta := clock.Since(r.lastWall)
		if frameDelta > wallDelta {
			timer := clock.NewTimer(frameDelta - wallDelta)
			select {
			case <-timer.C():
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	r.lastWall = clock.Now()
	return nil
}

// Release forgets the frame's buffer.
func (r *ReplaySource) Release(id uint64) error {
	return r.ledger.Release(id)
}

// Outstanding returns the number of issued frames not yet released.
func (r *ReplaySource) Outstanding() int {
	return r.ledger.Outstanding()
}
