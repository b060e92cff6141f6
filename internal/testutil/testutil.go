// Package testutil provides shared image and frame fixtures for tests.
package testutil

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

// SolidBuffer returns a tightly packed RGBA buffer of w*h pixels of c.
func SolidBuffer(w, h int, c color.NRGBA) []byte {
	buf := make([]byte, w*h*4)
	for i := 0; i < len(buf); i += 4 {
		buf[i], buf[i+1], buf[i+2], buf[i+3] = c.R, c.G, c.B, c.A
	}
	return buf
}

// SolidImage returns a w*h image filled with c.
func SolidImage(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

// WriteImages saves n solid PNG images named frame_000.png onwards into
// dir and returns their paths in order.
func WriteImages(t *testing.T, dir string, n, w, h int, c color.NRGBA) []string {
	t.Helper()
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i))
		if err := imaging.Save(SolidImage(w, h, c), p); err != nil {
			t.Fatalf("save %s: %v", p, err)
		}
		paths = append(paths, p)
	}
	return paths
}

// RampImage returns a w*h gray ramp that brightens left to right when
// horizontal and top to bottom otherwise. Unlike a solid image it has
// a distinct face embedding.
func RampImage(w, h int, horizontal bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(y * 255 / max(h-1, 1))
			if horizontal {
				v = uint8(x * 255 / max(w-1, 1))
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// SaveImage writes img to path in the format its extension names.
func SaveImage(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}
