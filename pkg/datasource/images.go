// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasource

import (
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// exampleLoader returns the image and label of the example with the given index.
// It must be safe for concurrent use.
type exampleLoader func(index int) (img image.Image, label int32, err error)

// imageDataset yields one example at a time: inputs[0] is the image shaped `[channels, size, size]`
// with values in `[-1, 1]`, and labels[0] its label as an Int32 scalar.
//
// It is safe for concurrent use, so it can be parallelized with datasets.Parallel.
type imageDataset struct {
	name        string
	numExamples int
	load        exampleLoader
	size        int
	channels    int

	mu      sync.Mutex
	shuffle *rand.Rand
	order   []int
	next    int
}

var _ train.Dataset = (*imageDataset)(nil)

func newImageDataset(name string, numExamples int, load exampleLoader, cfg Config, channels int) *imageDataset {
	ds := &imageDataset{
		name:        name,
		numExamples: numExamples,
		load:        load,
		size:        cfg.ImageSize,
		channels:    channels,
		order:       make([]int, numExamples),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if cfg.Shuffle {
		ds.shuffle = rand.New(rand.NewPCG(cfg.Seed, 0))
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *imageDataset) Name() string { return ds.name }

// NumExamples in one epoch.
func (ds *imageDataset) NumExamples() int { return ds.numExamples }

// Reset implements train.Dataset. It reshuffles the examples, if shuffling is enabled.
func (ds *imageDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextIndex returns the next example index, or -1 at the end of the epoch.
func (ds *imageDataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return -1
	}
	index := ds.order[ds.next]
	ds.next++
	return index
}

// Yield implements train.Dataset.
func (ds *imageDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	index := ds.nextIndex()
	if index < 0 {
		err = io.EOF
		return
	}
	img, label, err := ds.load(index)
	if err != nil {
		err = errors.WithMessagef(err, "failed to read example #%d of %q", index, ds.name)
		return
	}
	img = resize(img, ds.size)
	inputs = []*tensors.Tensor{toCHW(img, ds.channels)}
	labels = []*tensors.Tensor{tensors.FromScalar(label)}
	return
}

// resize scales the smallest side of img to size and crops the center to a square.
func resize(img image.Image, size int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == size && bounds.Dy() == size {
		return img
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Linear)
}

// toCHW converts img to a tensor shaped `[channels, height, width]`, with values scaled from [0, 255] to [-1, 1].
// channels must be 1 (grayscale) or 3 (RGB).
func toCHW(img image.Image, channels int) *tensors.Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	planeSize := width * height
	values := make([]float32, channels*planeSize)
	normalize := func(v uint8) float32 { return float32(v)/127.5 - 1 }
	for y := range height {
		for x := range width {
			pixel := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			offset := y*width + x
			if channels == 1 {
				values[offset] = normalize(color.GrayModel.Convert(pixel).(color.Gray).Y)
				continue
			}
			rgba := color.NRGBAModel.Convert(pixel).(color.NRGBA)
			values[offset] = normalize(rgba.R)
			values[planeSize+offset] = normalize(rgba.G)
			values[2*planeSize+offset] = normalize(rgba.B)
		}
	}
	return tensors.FromFlatDataAndDimensions(values, channels, height, width)
}

// Select returns the items at the given indices. Indices out of range are skipped.
func Select[T any, I constraints.Integer](items []T, indices []I) []T {
	selected := make([]T, 0, len(indices))
	for _, index := range indices {
		if index >= 0 && int(index) < len(items) {
			selected = append(selected, items[index])
		}
	}
	return selected
}
