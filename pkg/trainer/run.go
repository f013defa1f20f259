// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/vqgan/pkg/datasource"
	"github.com/gomlx/vqgan/pkg/history"
	"github.com/gomlx/vqgan/pkg/visualize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// numRealFakeImages is the number of real (and of reconstructed) images in each saved grid.
	numRealFakeImages = 4

	// movieGridColumns is the number of columns of the movie frames: large enough to fit the sample and its
	// reconstruction side by side.
	movieGridColumns = 8
)

// Run trains for the given number of epochs over ds, which must yield batches of images in inputs[0].
//
// Every ParamSaveEvery batches (counted within the epoch, starting at the first) it appends a frame to the movie,
// saves a grid of real and reconstructed images, prints the progress line and records the losses.
// If the batch index is also a multiple of ParamCheckpointEvery, it saves the generator checkpoint, the movie and
// the losses history.
//
// It returns early with ctx.Err() if ctx is cancelled, or with the first error of a training step or of a
// side effect.
func (t *Trainer) Run(ctx context.Context, epochs int, ds train.Dataset) error {
	if numBatcher, ok := ds.(datasource.NumBatcher); ok {
		t.numBatches = numBatcher.NumBatches()
	}
	for epoch := range epochs {
		ds.Reset()
		numBatches, err := t.runEpoch(ctx, epoch, epochs, ds)
		if err != nil {
			return err
		}
		t.numBatches = numBatches
	}
	return nil
}

// runEpoch trains over one epoch of ds, and returns the number of batches seen.
func (t *Trainer) runEpoch(ctx context.Context, epoch, epochs int, ds train.Dataset) (int, error) {
	var bar *progressbar.ProgressBar
	if t.progressBar {
		bar = progressbar.NewOptions(t.numBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch+1, epochs)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = bar.Finish() }()
	}

	index := 0
	for ; ; index++ {
		if err := ctx.Err(); err != nil {
			return index, err
		}
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return index, errors.WithMessagef(err, "trainer: failed reading batch %d of epoch %d from %q",
				index, epoch, ds.Name())
		}
		for _, label := range labels {
			label.MustFinalizeAll()
		}
		if len(inputs) == 0 {
			return index, errors.Errorf("trainer: dataset %q yielded no inputs", ds.Name())
		}
		batch := inputs[0]
		err = t.trainBatch(epoch, epochs, index, batch)
		batch.MustFinalizeAll()
		if err != nil {
			return index, err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return index, nil
}

// trainBatch runs one training step and, on cadence, the visualization and checkpoint side effects.
func (t *Trainer) trainBatch(epoch, epochs, index int, batch *tensors.Tensor) error {
	reconstructed, vqLoss, discLoss, err := t.TrainStep(batch)
	if err != nil {
		return errors.WithMessagef(err, "epoch %d, batch %d", epoch, index)
	}
	defer reconstructed.MustFinalizeAll()
	if index%t.saveEvery != 0 {
		return nil
	}

	if t.sample == nil {
		if t.sample, err = firstExamples(batch, 1); err != nil {
			return err
		}
	}
	if err = t.appendMovieFrame(); err != nil {
		return err
	}
	imgPath := filepath.Join(t.experimentDir, ReconstructedImagesDir, fmt.Sprintf("epoch-%d_step-%d.jpg", epoch, index))
	if err = saveRealFakeGrid(imgPath, batch, reconstructed); err != nil {
		return err
	}
	numBatches := "?"
	if t.numBatches >= 0 {
		numBatches = strconv.Itoa(t.numBatches)
	}
	_, _ = fmt.Fprintf(t.output, "Epoch: %d/%d | Batch: %d/%s | VQ Loss : %.4f | Discriminator Loss: %.4f\n",
		epoch+1, epochs, index, numBatches, vqLoss, discLoss)
	t.history.Add(history.Point{
		GlobalStep: t.GlobalStep(),
		Epoch:      epoch,
		Batch:      index,
		VQLoss:     vqLoss,
		DiscLoss:   discLoss,
	})

	if index%t.checkpointEvery != 0 {
		return nil
	}
	return t.saveCheckpoint(epoch)
}

// appendMovieFrame renders the sample next to its current reconstruction and appends it to the frames.
func (t *Trainer) appendMovieFrame() error {
	reconstructed, err := t.Reconstruct(t.sample)
	if err != nil {
		return err
	}
	defer reconstructed.MustFinalizeAll()
	imgs, err := toImagesConcat(t.sample, reconstructed)
	if err != nil {
		return err
	}
	t.frames.Append(visualize.MakeGrid(imgs, movieGridColumns, visualize.DefaultPadding))
	return nil
}

// saveCheckpoint writes the generator checkpoint, the movie, the losses history and, if configured,
// the full-state checkpoint.
func (t *Trainer) saveCheckpoint(epoch int) error {
	ckptPath := filepath.Join(t.experimentDir, fmt.Sprintf("vqgan_epoch_%d.pt", epoch))
	if err := SaveGeneratorCheckpoint(t.ctx, t.generator, ckptPath); err != nil {
		return err
	}
	if err := t.frames.WriteGIF(t.moviePath, t.gifFPS); err != nil {
		return err
	}
	if err := t.history.Save(t.experimentDir); err != nil {
		return err
	}
	if t.checkpoint != nil {
		if err := t.checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "trainer: failed to save full-state checkpoint")
		}
	}
	klog.V(1).Infof("trainer: saved %q and %q (%d frames)", ckptPath, t.moviePath, t.frames.Len())
	return nil
}

// saveRealFakeGrid saves up to numRealFakeImages real images on a first row, and their reconstructions
// on a second row.
func saveRealFakeGrid(imgPath string, realImages, fakeImages *tensors.Tensor) error {
	n := min(numRealFakeImages, realImages.Shape().Dimensions[0])
	realFirst, err := firstExamples(realImages, n)
	if err != nil {
		return err
	}
	defer realFirst.MustFinalizeAll()
	fakeFirst, err := firstExamples(fakeImages, n)
	if err != nil {
		return err
	}
	defer fakeFirst.MustFinalizeAll()
	imgs, err := toImagesConcat(realFirst, fakeFirst)
	if err != nil {
		return err
	}
	return visualize.SaveJPEG(imgPath, visualize.MakeGrid(imgs, n, visualize.DefaultPadding))
}

// toImagesConcat converts both batches of images and concatenates them.
func toImagesConcat(first, second *tensors.Tensor) ([]image.Image, error) {
	firstImgs, err := visualize.ToImages(first)
	if err != nil {
		return nil, err
	}
	secondImgs, err := visualize.ToImages(second)
	if err != nil {
		return nil, err
	}
	return append(firstImgs, secondImgs...), nil
}

// firstExamples returns a new tensor with the first n examples of batch.
func firstExamples(batch *tensors.Tensor, n int) (*tensors.Tensor, error) {
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		values := tensors.MustCopyFlatData[float32](batch)
		dims := batch.Shape().Clone().Dimensions
		exampleSize := len(values) / dims[0]
		dims[0] = n
		result = tensors.FromFlatDataAndDimensions(values[:n*exampleSize], dims...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "trainer: failed to slice batch")
	}
	return result, nil
}
