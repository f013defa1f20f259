// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visualize

import (
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToImages(t *testing.T) {
	// One gray image 1x2: -1 (black) and 3 (clipped to white).
	gray := tensors.FromFlatDataAndDimensions([]float32{-1, 3}, 1, 1, 1, 2)
	imgs, err := ToImages(gray)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	assert.Equal(t, image.Rect(0, 0, 2, 1), imgs[0].Bounds())
	r, g, b, _ := imgs[0].At(0, 0).RGBA()
	assert.Equal(t, []uint32{0, 0, 0}, []uint32{r, g, b})
	r, g, b, _ = imgs[0].At(1, 0).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})

	// Two RGB 1x1 images.
	rgb := tensors.FromFlatDataAndDimensions([]float32{1, -1, -1, -1, 1, -1}, 2, 3, 1, 1)
	imgs, err = ToImages(rgb)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, color.NRGBAModel.Convert(imgs[0].At(0, 0)))
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, color.NRGBAModel.Convert(imgs[1].At(0, 0)))

	_, err = ToImages(tensors.FromFlatDataAndDimensions([]float32{0, 0}, 1, 2, 1, 1))
	require.Error(t, err, "2 channels are not supported")
	_, err = ToImages(tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2, 1))
	require.Error(t, err, "rank 2 is not supported")
}

func TestMakeGrid(t *testing.T) {
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	imgs := make([]image.Image, 6)
	for ii := range imgs {
		imgs[ii] = imaging.New(3, 2, white)
	}
	grid := MakeGrid(imgs, 4, 2)
	// 4 columns x 2 rows of 3x2 images, with 2 pixels of padding.
	assert.Equal(t, image.Rect(0, 0, 4*5+2, 2*4+2), grid.Bounds())
	assert.Equal(t, color.NRGBA{A: 255}, grid.NRGBAAt(0, 0))
	assert.Equal(t, white, grid.NRGBAAt(2, 2))
	assert.Equal(t, white, grid.NRGBAAt(7, 6))
	// Last row only has 2 images.
	assert.Equal(t, color.NRGBA{A: 255}, grid.NRGBAAt(17, 6))

	assert.Equal(t, image.Rect(0, 0, 2*5+2, 4+2), MakeGrid(imgs[:2], 8, 2).Bounds())
	assert.True(t, MakeGrid(nil, 4, 2).Bounds().Empty())
}

func TestSaveJPEG(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "sub", "grid.jpg")
	require.NoError(t, SaveJPEG(filePath, imaging.New(8, 8, color.NRGBA{R: 200, A: 255})))
	img, err := imaging.Open(filePath)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
}

func TestFrameBuffer(t *testing.T) {
	fb := NewFrameBuffer()
	filePath := filepath.Join(t.TempDir(), "movie.gif")
	require.Error(t, fb.WriteGIF(filePath, DefaultFPS), "no frames")

	for ii := range 3 {
		fb.Append(imaging.New(4, 3, color.NRGBA{R: uint8(100 * ii), A: 255}))
	}
	assert.Equal(t, 3, fb.Len())
	assert.Equal(t, uint64(3*4*3), fb.SizeBytes())
	require.NoError(t, fb.WriteGIF(filePath, DefaultFPS))
	require.Error(t, fb.WriteGIF(filePath, 0))

	f, err := os.Open(filePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	anim, err := gif.DecodeAll(f)
	require.NoError(t, err)
	assert.Len(t, anim.Image, 3)
	assert.Equal(t, []int{20, 20, 20}, anim.Delay)
}
