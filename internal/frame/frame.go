// Package frame defines camera frames and the sources that issue them.
//
// A Frame owns the only raw pixel memory in the pipeline. Sources hand
// out frames with strictly increasing IDs and timestamps and take the
// memory back through Release, exactly once per frame.
package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"time"
)

var (
	// ErrEndOfStream is returned by Next when the source is exhausted.
	ErrEndOfStream = errors.New("frame: end of stream")

	// ErrInvalidFrameID is returned by Release for an id that was never
	// issued or has already been released.
	ErrInvalidFrameID = errors.New("frame: invalid frame id")

	// ErrNonMonotonic is returned when a frame timestamp does not
	// advance past its predecessor.
	ErrNonMonotonic = errors.New("frame: non-monotonic timestamp")

	// ErrInvalidBuffer is returned when a buffer does not hold
	// Width*Height RGBA pixels.
	ErrInvalidBuffer = errors.New("frame: invalid buffer")
)

// BytesPerPixel is the size of one 8-bit RGBA pixel.
const BytesPerPixel = 4

// Frame is one camera image. Buffer holds non-premultiplied RGBA rows
// with no padding and belongs to the source until released.
type Frame struct {
	ID        uint64
	Timestamp time.Time
	Width     int
	Height    int
	Buffer    []byte
}

// Source issues frames in order and takes their buffers back.
type Source interface {
	// Next blocks until a frame is available, the stream ends
	// (ErrEndOfStream) or ctx is done.
	Next(ctx context.Context) (*Frame, error)

	// Release returns the frame's buffer to the source. Releasing the
	// same id twice returns ErrInvalidFrameID and has no other effect.
	Release(id uint64) error
}

// Validate checks that the buffer matches the frame dimensions.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidBuffer)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: frame %d has size %dx%d", ErrInvalidBuffer, f.ID, f.Width, f.Height)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Buffer) != want {
		return fmt.Errorf("%w: frame %d has %d bytes, want %d", ErrInvalidBuffer, f.ID, len(f.Buffer), want)
	}
	return nil
}

// Image returns an image view over Buffer. The view shares memory
// with the frame and must not be used after the frame is released.
func (f *Frame) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    f.Buffer,
		Stride: f.Width * BytesPerPixel,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Brightness returns the mean of (r+g+b)/3 over a grid of every 10th
// pixel in both directions, scaled to [0,1]. A frame with no pixels
// reports 0.5.
func (f *Frame) Brightness() float64 {
	const step = 10
	var total, n int
	f.sample(step, func(r, g, b uint8) {
		total += (int(r) + int(g) + int(b)) / 3
		n++
	})
	if n == 0 {
		return 0.5
	}
	return float64(total) / float64(n) / 255
}

// DominantColors names the n most frequent coarse colours over a grid
// of every 20th pixel. Ties are broken by name.
func (f *Frame) DominantColors(n int) []string {
	const step = 20
	counts := make(map[string]int)
	f.sample(step, func(r, g, b uint8) {
		counts[colorName(r, g, b)]++
	})
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func (f *Frame) sample(step int, fn func(r, g, b uint8)) {
	if f.Width <= 0 || len(f.Buffer) < f.Width*f.Height*BytesPerPixel {
		return
	}
	stride := f.Width * BytesPerPixel
	for y := 0; y < f.Height; y += step {
		for x := 0; x < f.Width; x += step {
			i := y*stride + x*BytesPerPixel
			fn(f.Buffer[i], f.Buffer[i+1], f.Buffer[i+2])
		}
	}
}

func colorName(r, g, b uint8) string {
	switch {
	case r > 200 && g > 200 && b > 200:
		return "White"
	case r < 50 && g < 50 && b < 50:
		return "Black"
	case r > g && r > b:
		return "Red"
	case g > r && g > b:
		return "Green"
	case b > r && b > g:
		return "Blue"
	case r > 150 && g > 150 && b < 100:
		return "Yellow"
	case (int(r)+int(g)+int(b))/3 > 128:
		return "Light"
	default:
		return "Dark"
	}
}
