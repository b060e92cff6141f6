package testutil

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolidBuffer(t *testing.T) {
	buf := SolidBuffer(3, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 4})
	require.Len(t, buf, 24)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[20:])
}

func TestWriteImages(t *testing.T) {
	dir := t.TempDir()
	red := color.NRGBA{R: 255, A: 255}
	paths := WriteImages(t, dir, 3, 8, 4, red)
	require.Len(t, paths, 3)

	img, err := imaging.Open(paths[2])
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0, 0}, [3]uint32{r, g, b})
}

func TestRampImage(t *testing.T) {
	h := RampImage(5, 3, true)
	assert.Equal(t, uint8(0), h.NRGBAAt(0, 2).R)
	assert.Equal(t, uint8(255), h.NRGBAAt(4, 0).R)
	assert.Equal(t, h.NRGBAAt(2, 0), h.NRGBAAt(2, 2))

	v := RampImage(5, 3, false)
	assert.Equal(t, uint8(255), v.NRGBAAt(0, 2).B)
	assert.Equal(t, v.NRGBAAt(0, 1), v.NRGBAAt(4, 1))

	path := filepath.Join(t.TempDir(), "ramp.png")
	SaveImage(t, path, h)
	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
}
