// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasource provides the image datasets used to train the VQGAN.
//
// All datasets yield batches of images with inputs[0] shaped `[batch_size, channels, image_size, image_size]`
// (channels-first), dtype Float32 and values in `[-1, 1]`; and labels[0] shaped `[batch_size]` (Int32),
// which are the MNIST digits, or 0 for datasets without labels.
package datasource

import (
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// NameMNIST is the MNIST handwritten digits dataset, downloaded on demand.
	NameMNIST = "mnist"

	// NameFolder reads all images found (recursively) under a directory.
	NameFolder = "folder"

	ParamDataset       = "dataset"
	ParamBatchSize     = "batch_size"
	ParamImageSize     = "image_size"
	ParamImageChannels = "image_channels"
	ParamNumWorkers    = "num_workers"
	ParamShuffle       = "shuffle"
	ParamMaxExamples   = "max_examples"
)

// NumBatcher is implemented by datasets that know in advance how many batches an epoch has.
type NumBatcher interface {
	NumBatches() int
}

// Config configures the dataset created by Load.
type Config struct {
	// Name of the dataset: NameMNIST or NameFolder.
	Name string

	// BatchSize is the number of images per batch. The last batch of an epoch may be smaller.
	BatchSize int

	// ImageSize is the height and width images are resized to.
	ImageSize int

	// ImageChannels is the number of channels of the images yielded: 1 (grayscale) or 3 (RGB).
	// MNIST images are always 1 channel.
	ImageChannels int

	// NumWorkers is the number of goroutines decoding images. If <= 1, images are decoded in the caller's goroutine.
	NumWorkers int

	// SavePath is where MNIST is downloaded to, or the directory of images for NameFolder.
	SavePath string

	// Split of MNIST to use: "train" or "test".
	Split string

	// Shuffle the examples at every epoch.
	Shuffle bool

	// Seed for the shuffling and sub-sampling. If 0, the current time is used.
	Seed uint64

	// MaxExamples, if > 0, restricts the dataset to a random subset of this many examples.
	MaxExamples int
}

// DefaultConfig returns the default configuration: MNIST, 16 images of 28x28 per batch, 4 workers, stored in "data".
func DefaultConfig() Config {
	return Config{
		Name:          NameMNIST,
		BatchSize:     16,
		ImageSize:     28,
		ImageChannels: 1,
		NumWorkers:    4,
		SavePath:      "data",
		Split:         "train",
		Shuffle:       true,
	}
}

// ConfigFromContext returns DefaultConfig overwritten by the hyperparameters set in ctx, and with the given savePath.
func ConfigFromContext(ctx *context.Context, savePath string) Config {
	cfg := DefaultConfig()
	cfg.Name = context.GetParamOr(ctx, ParamDataset, cfg.Name)
	cfg.BatchSize = context.GetParamOr(ctx, ParamBatchSize, cfg.BatchSize)
	cfg.ImageSize = context.GetParamOr(ctx, ParamImageSize, cfg.ImageSize)
	cfg.ImageChannels = context.GetParamOr(ctx, ParamImageChannels, cfg.ImageChannels)
	cfg.NumWorkers = context.GetParamOr(ctx, ParamNumWorkers, cfg.NumWorkers)
	cfg.Shuffle = context.GetParamOr(ctx, ParamShuffle, cfg.Shuffle)
	cfg.MaxExamples = context.GetParamOr(ctx, ParamMaxExamples, cfg.MaxExamples)
	if savePath != "" {
		cfg.SavePath = savePath
	}
	return cfg
}

// Load creates the dataset selected by cfg.Name. backend is used to batch the images.
func Load(backend backends.Backend, cfg Config) (train.Dataset, error) {
	if cfg.BatchSize <= 0 || cfg.ImageSize <= 0 {
		return nil, errors.Errorf("datasource: invalid batch size (%d) or image size (%d)", cfg.BatchSize, cfg.ImageSize)
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	var examples *imageDataset
	var err error
	switch cfg.Name {
	case NameMNIST:
		examples, err = newMNIST(cfg)
	case NameFolder:
		examples, err = newFolder(cfg)
	default:
		return nil, errors.Errorf("datasource: unknown dataset %q, valid values are %q and %q", cfg.Name, NameMNIST, NameFolder)
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("datasource: %q with %d examples of %dx%dx%d", examples.Name(), examples.NumExamples(),
		examples.channels, cfg.ImageSize, cfg.ImageSize)
	return batch(backend, examples, cfg), nil
}

// batched is a batched dataset that knows its number of batches.
type batched struct {
	train.Dataset
	numBatches int
}

// NumBatches implements NumBatcher.
func (b *batched) NumBatches() int { return b.numBatches }

// batch decodes the examples in parallel (if configured) and batches them.
func batch(backend backends.Backend, examples *imageDataset, cfg Config) *batched {
	var ds train.Dataset = examples
	if cfg.NumWorkers > 1 {
		ds = datasets.CustomParallel(ds).Parallelism(cfg.NumWorkers).Buffer(2 * cfg.NumWorkers).Start()
	}
	ds = datasets.Batch(backend, ds, cfg.BatchSize, true, false)
	if cfg.NumWorkers > 1 {
		ds = datasets.ReadAhead(ds, 1)
	}
	return &batched{
		Dataset:    ds,
		numBatches: (examples.NumExamples() + cfg.BatchSize - 1) / cfg.BatchSize,
	}
}
