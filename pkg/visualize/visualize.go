// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package visualize converts batches of channels-first image tensors to images, arranges them in grids, and
// writes them as JPEG files or animated GIFs.
package visualize

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

const (
	// DefaultPadding in pixels between images of a grid.
	DefaultPadding = 2

	// DefaultJPEGQuality used by SaveJPEG.
	DefaultJPEGQuality = 95
)

// ToImages converts a batch shaped `[batch_size, channels, height, width]` with values in `[-1, 1]` to images.
// channels must be 1 (rendered as gray) or 3 (RGB). Values out of range are clipped.
func ToImages(batch *tensors.Tensor) ([]image.Image, error) {
	shape := batch.Shape()
	if shape.Rank() != 4 || shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("visualize: expected a Float32 batch shaped [batch, channels, height, width], got %s", shape)
	}
	batchSize, channels, height, width := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("visualize: only 1 or 3 channels are supported, got shape %s", shape)
	}

	// Convert to channels-last RGB with values in [0, 1].
	var values []float32
	err := exceptions.TryCatch[error](func() { values = tensors.MustCopyFlatData[float32](batch) })
	if err != nil {
		return nil, errors.WithMessage(err, "visualize: failed to read images tensor")
	}
	planeSize := height * width
	rgb := make([]float32, batchSize*planeSize*3)
	for example := range batchSize {
		src := values[example*channels*planeSize:]
		dst := rgb[example*planeSize*3:]
		for pos := range planeSize {
			for rgbChannel := range 3 {
				srcChannel := min(rgbChannel, channels-1)
				v := (src[srcChannel*planeSize+pos] + 1) / 2
				dst[pos*3+rgbChannel] = min(max(v, 0), 1)
			}
		}
	}
	hwc := tensors.FromFlatDataAndDimensions(rgb, batchSize, height, width, 3)
	defer hwc.MustFinalizeAll()
	var imgs []image.Image
	err = exceptions.TryCatch[error](func() {
		imgs = timages.ToImage().MaxValue(1.0).Batch(hwc)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "visualize: failed to convert tensor to images")
	}
	return imgs, nil
}

// MakeGrid arranges imgs in rows of up to numColumns images, separated (and surrounded) by padding black pixels.
// All images are assumed to have the size of the first one.
func MakeGrid(imgs []image.Image, numColumns, padding int) *image.NRGBA {
	if len(imgs) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	numColumns = min(max(numColumns, 1), len(imgs))
	numRows := (len(imgs) + numColumns - 1) / numColumns
	cellWidth := imgs[0].Bounds().Dx() + padding
	cellHeight := imgs[0].Bounds().Dy() + padding
	grid := imaging.New(numColumns*cellWidth+padding, numRows*cellHeight+padding, color.NRGBA{A: 255})
	for ii, img := range imgs {
		row, col := ii/numColumns, ii%numColumns
		grid = imaging.Paste(grid, img, image.Pt(col*cellWidth+padding, row*cellHeight+padding))
	}
	return grid
}

// SaveJPEG writes img to filePath, creating the directory if needed.
func SaveJPEG(filePath string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "visualize: failed to create directory for %q", filePath)
	}
	if err := imaging.Save(img, filePath, imaging.JPEGQuality(DefaultJPEGQuality)); err != nil {
		return errors.Wrapf(err, "visualize: failed to save %q", filePath)
	}
	return nil
}
