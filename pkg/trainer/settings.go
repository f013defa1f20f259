// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/vqgan/pkg/datasource"
	"github.com/gomlx/vqgan/pkg/discriminator"
	"github.com/gomlx/vqgan/pkg/perceptual"
	"github.com/gomlx/vqgan/pkg/visualize"
	"github.com/gomlx/vqgan/pkg/vqgan"
)

const (
	// ParamDiscFactor is the weight of the adversarial terms once the discriminator is enabled.
	ParamDiscFactor = "disc_factor"

	// ParamDiscStart is the global step from which the adversarial terms are enabled.
	ParamDiscStart = "disc_start"

	// ParamPerceptualLossFactor is the weight of the perceptual distance in the reconstruction loss.
	ParamPerceptualLossFactor = "perceptual_loss_factor"

	// ParamRecLossFactor is the weight of the absolute pixel difference in the reconstruction loss.
	ParamRecLossFactor = "rec_loss_factor"

	// ParamGANLossIntoGenerator controls whether the gradient of the discriminator loss with respect to the
	// generator parameters is added to the generator update.
	ParamGANLossIntoGenerator = "gan_loss_into_generator"

	// ParamSaveEvery is the number of batches between visualizations and progress reports.
	ParamSaveEvery = "save_every"

	// ParamCheckpointEvery is the number of batches between generator checkpoints and movie updates.
	// It only triggers on batches that are also visualized (see ParamSaveEvery).
	ParamCheckpointEvery = "checkpoint_every"

	// ParamGIFFPS is the frame rate of the movie of reconstructions.
	ParamGIFFPS = "gif_fps"

	// ParamPerceptualModel selects the perceptual scorer, see perceptual.New.
	ParamPerceptualModel = "perceptual_model"

	// ParamNumCheckpoints is the number of full-state checkpoints kept, when a checkpoint directory is configured.
	ParamNumCheckpoints = "num_checkpoints"
)

// CreateDefaultContext returns a context with all the default hyperparameters of the VQGAN training.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Data.
		datasource.ParamDataset:       datasource.NameMNIST,
		datasource.ParamBatchSize:     16,
		datasource.ParamImageSize:     28,
		datasource.ParamImageChannels: 1,
		datasource.ParamNumWorkers:    4,
		datasource.ParamShuffle:       true,
		datasource.ParamMaxExamples:   0,

		// Optimizers: the same configuration is used for the generator and the discriminator.
		optimizers.ParamLearningRate: 2.25e-5,
		optimizers.ParamAdamBeta1:    0.5,
		optimizers.ParamAdamBeta2:    0.9,
		optimizers.ParamAdamEpsilon:  1e-8,

		// Loss.
		ParamDiscFactor:           1.0,
		ParamDiscStart:            100,
		ParamPerceptualLossFactor: 1.0,
		ParamRecLossFactor:        1.0,
		ParamGANLossIntoGenerator: true,
		ParamPerceptualModel:      perceptual.NamePyramid,
		vqgan.ParamLambdaScale:    0.8,

		// Side effects cadence.
		ParamSaveEvery:       100,
		ParamCheckpointEvery: 100,
		ParamGIFFPS:          visualize.DefaultFPS,
		ParamNumCheckpoints:  3,

		// Generator.
		vqgan.ParamChannelsList:       []int{64, 128},
		vqgan.ParamNumResidualBlocks:  1,
		vqgan.ParamLatentDim:          64,
		vqgan.ParamNumCodebookVectors: 512,
		vqgan.ParamBeta:               0.25,
		vqgan.ParamNormGroups:         8,

		// Discriminator.
		discriminator.ParamNumFilters:     64,
		discriminator.ParamNumLayers:      3,
		discriminator.ParamLeakyReluAlpha: 0.2,
		discriminator.ParamInitStddev:     0.02,

		// Perceptual scorer.
		perceptual.ParamPyramidLevels: 3,
		perceptual.ParamImageSize:     0,
		perceptual.ParamVGGONNX:       "",
	})
	return ctx
}
