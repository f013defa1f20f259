// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasource

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	assert.Equal(t, []string{"c", "a"}, Select([]string{"a", "b", "c"}, []int32{2, 0}))
	assert.Equal(t, []string{"b"}, Select([]string{"a", "b", "c"}, []int{1, 5, -1}))
}

func TestParseMNIST(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, mnistImagesHeader{
		Magic: mnistImageMagic, NumImages: 2, Height: mnistHeight, Width: mnistWidth}))
	pixels := make([]byte, 2*mnistWidth*mnistHeight)
	pixels[0] = 255
	pixels[mnistWidth*mnistHeight+1] = 128
	buf.Write(pixels)
	images, err := parseMNISTImages(&buf, "images")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, color.Gray{Y: 255}, images[0].At(0, 0))
	assert.Equal(t, color.Gray{Y: 128}, images[1].At(1, 0))

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.BigEndian, mnistLabelsHeader{Magic: mnistLabelMagic, NumLabels: 3}))
	buf.Write([]byte{7, 0, 9})
	labels, err := parseMNISTLabels(&buf, "labels")
	require.NoError(t, err)
	assert.Equal(t, []int8{7, 0, 9}, labels)

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.BigEndian, mnistLabelsHeader{Magic: mnistImageMagic, NumLabels: 3}))
	_, err = parseMNISTLabels(&buf, "labels")
	require.Error(t, err)
}

func TestImageDataset(t *testing.T) {
	images := make([]*MNISTImage, 5)
	labels := make([]int8, 5)
	for ii := range images {
		images[ii] = new(MNISTImage)
		images[ii][0] = 255
		labels[ii] = int8(ii)
	}
	cfg := DefaultConfig()
	cfg.Seed = 7
	ds := newMNISTFromData("mnist-test", images, labels, cfg)
	assert.Equal(t, 5, ds.NumExamples())

	for epoch := range 2 {
		seen := make(map[int32]bool)
		for {
			_, inputs, yieldLabels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 1, 28, 28))
			values := tensors.MustCopyFlatData[float32](inputs[0])
			assert.InDelta(t, 1.0, values[0], 1e-6)
			assert.InDelta(t, -1.0, values[1], 1e-6)
			seen[tensors.ToScalar[int32](yieldLabels[0])] = true
		}
		assert.Lenf(t, seen, 5, "epoch %d should see every example once", epoch)
		ds.Reset()
	}

	cfg.MaxExamples = 2
	assert.Equal(t, 2, newMNISTFromData("mnist-test", images, labels, cfg).NumExamples())
}

func TestToCHW(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 0, B: 255, A: 255})
	img.Set(1, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	got := toCHW(img, 3)
	require.NoError(t, got.Shape().Check(dtypes.Float32, 3, 1, 2))
	assert.InDeltaSlice(t, []float32{1, -1, -1, 1, 1, -1}, tensors.MustCopyFlatData[float32](got), 1e-6)
}

func TestLoadFolder(t *testing.T) {
	dir := t.TempDir()
	for ii, name := range []string{"a.png", "sub/b.jpg", "c.png"} {
		img := imaging.New(16, 12, color.NRGBA{R: uint8(50 * ii), G: 100, B: 200, A: 255})
		imgPath := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(imgPath), 0o755))
		require.NoError(t, imaging.Save(img, imgPath, imaging.JPEGQuality(95)))
	}
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	cfg.Name = NameFolder
	cfg.SavePath = dir
	cfg.BatchSize = 2
	cfg.ImageSize = 8
	cfg.ImageChannels = 3
	cfg.NumWorkers = 0
	ds, err := Load(backend, cfg)
	require.NoError(t, err)
	require.Equal(t, 2, ds.(NumBatcher).NumBatches())

	var batchSizes []int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		dims := inputs[0].Shape().Dimensions
		assert.Equal(t, []int{3, 8, 8}, dims[1:])
		batchSizes = append(batchSizes, dims[0])
		inputs[0].MustFinalizeAll()
		labels[0].MustFinalizeAll()
	}
	assert.Equal(t, []int{2, 1}, batchSizes)
}

func TestLoadErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	cfg.Name = "cifar"
	_, err := Load(backend, cfg)
	require.Error(t, err)

	cfg.Name = NameFolder
	cfg.SavePath = t.TempDir()
	_, err = Load(backend, cfg)
	require.Error(t, err, "empty folder")

	cfg.ImageChannels = 2
	_, err = Load(backend, cfg)
	require.Error(t, err)
}
