// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasource

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/vqgan/internal/downloader"
	"github.com/pkg/errors"
)

const (
	mnistDownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"
	mnistSubDir      = "mnist"
	mnistWidth       = 28
	mnistHeight      = 28

	mnistImageMagic = 0x00000803
	mnistLabelMagic = 0x00000801
)

// mnistFiles maps a split to its images and labels files.
var mnistFiles = map[string][2]string{
	"train": {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	"test":  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// MNISTImage is one MNIST digit: 0 is the background (black) and 255 the digit (white).
type MNISTImage [mnistWidth * mnistHeight]byte

var _ image.Image = (*MNISTImage)(nil)

// ColorModel implements image.Image.
func (img *MNISTImage) ColorModel() color.Model { return color.GrayModel }

// Bounds implements image.Image.
func (img *MNISTImage) Bounds() image.Rectangle { return image.Rect(0, 0, mnistWidth, mnistHeight) }

// At implements image.Image.
func (img *MNISTImage) At(x, y int) color.Color { return color.Gray{Y: img[y*mnistWidth+x]} }

type mnistImagesHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type mnistLabelsHeader struct {
	Magic     int32
	NumLabels int32
}

// DownloadMNIST downloads the MNIST files of the given split into baseDir, if they are not there yet.
func DownloadMNIST(ctx context.Context, baseDir, split string) error {
	files, found := mnistFiles[split]
	if !found {
		return errors.Errorf("datasource: unknown MNIST split %q, valid values are \"train\" and \"test\"", split)
	}
	for _, file := range files {
		fileURL, err := url.JoinPath(mnistDownloadURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid MNIST url for %q", file)
		}
		if err = downloader.DownloadIfMissing(ctx, fileURL, filepath.Join(baseDir, file), ""); err != nil {
			return errors.WithMessage(err, "failed to download MNIST")
		}
	}
	return nil
}

// newMNIST downloads (if needed) and reads the MNIST split into memory.
func newMNIST(cfg Config) (*imageDataset, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(cfg.SavePath)
	if err != nil {
		return nil, err
	}
	baseDir = filepath.Join(baseDir, mnistSubDir)
	if err = DownloadMNIST(context.Background(), baseDir, cfg.Split); err != nil {
		return nil, err
	}
	files := mnistFiles[cfg.Split]
	images, err := readMNISTImages(filepath.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := readMNISTLabels(filepath.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("datasource: MNIST %q has %d images but %d labels", cfg.Split, len(images), len(labels))
	}
	return newMNISTFromData("mnist-"+cfg.Split, images, labels, cfg), nil
}

// newMNISTFromData creates the dataset from MNIST images and labels already in memory.
func newMNISTFromData(name string, images []*MNISTImage, labels []int8, cfg Config) *imageDataset {
	if cfg.MaxExamples > 0 && cfg.MaxExamples < len(images) {
		subset := rand.New(rand.NewPCG(cfg.Seed, 1)).Perm(len(images))[:cfg.MaxExamples]
		images = Select(images, subset)
		labels = Select(labels, subset)
	}
	load := func(index int) (image.Image, int32, error) {
		return images[index], int32(labels[index]), nil
	}
	return newImageDataset(name, len(images), load, cfg, 1)
}

// openGzip opens a gzip compressed file. Both returned closers must be closed.
func openGzip(filePath string) (*os.File, *gzip.Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	return f, reader, nil
}

func readMNISTImages(filePath string) ([]*MNISTImage, error) {
	f, reader, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
		_ = f.Close()
	}()
	return parseMNISTImages(reader, filePath)
}

func parseMNISTImages(reader io.Reader, filePath string) ([]*MNISTImage, error) {
	var header mnistImagesHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != mnistImageMagic || header.Width != mnistWidth || header.Height != mnistHeight {
		return nil, errors.Errorf("%q is not a MNIST images file (header %+v)", filePath, header)
	}
	images := make([]*MNISTImage, header.NumImages)
	for ii := range images {
		images[ii] = new(MNISTImage)
		if _, err := io.ReadFull(reader, images[ii][:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d of %q", ii, filePath)
		}
	}
	return images, nil
}

func readMNISTLabels(filePath string) ([]int8, error) {
	f, reader, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
		_ = f.Close()
	}()
	return parseMNISTLabels(reader, filePath)
}

func parseMNISTLabels(reader io.Reader, filePath string) ([]int8, error) {
	var header mnistLabelsHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != mnistLabelMagic {
		return nil, errors.Errorf("%q is not a MNIST labels file (magic %#x)", filePath, header.Magic)
	}
	labels := make([]int8, header.NumLabels)
	if err := binary.Read(reader, binary.BigEndian, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read labels of %q", filePath)
	}
	return labels, nil
}
