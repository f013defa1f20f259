// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vqgan implements the generator of a VQGAN (Vector-Quantized Generative Adversarial Network):
// a convolutional encoder, a codebook quantizer with a straight-through estimator, and a decoder.
//
// Images are channels-first, shaped `[batch_size, channels, height, width]`, with values in `[-1, 1]`.
//
// The model is configured by hyperparameters in the context (see the Param* constants), and all its
// variables are created under the ModelScope scope, with the sub-scopes ScopeEncoder, ScopeQuantConv,
// ScopeCodebook, ScopePostQuantConv and ScopeDecoder.
package vqgan

import (
	"fmt"
	"math/rand/v2"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ModelScope is the scope under which all generator variables are created.
	ModelScope = "vqgan"

	ScopeEncoder       = "encoder"
	ScopeDecoder       = "decoder"
	ScopeCodebook      = "codebook"
	ScopeQuantConv     = "quant_conv"
	ScopePostQuantConv = "post_quant_conv"

	// ParamChannelsList is the number of channels for each resolution level of the encoder (and, reversed, of
	// the decoder). Each level after the first halves the spatial dimensions.
	ParamChannelsList = "vqgan_channels_list"

	// ParamNumResidualBlocks is the number of residual blocks per resolution level.
	ParamNumResidualBlocks = "vqgan_num_residual_blocks"

	// ParamLatentDim is the dimension of the latent vectors and of the codebook entries.
	ParamLatentDim = "vqgan_latent_dim"

	// ParamNumCodebookVectors is the number of entries in the codebook.
	ParamNumCodebookVectors = "vqgan_num_codebook_vectors"

	// ParamBeta is the commitment loss weight of the quantizer.
	ParamBeta = "vqgan_beta"

	// ParamNormGroups is the number of groups used by the group normalization layers.
	ParamNormGroups = "vqgan_norm_groups"

	// ParamLambdaScale multiplies the clamped adaptive balancing coefficient.
	ParamLambdaScale = "lambda_scale"
)

// Config holds the static hyperparameters of the model, read from the context.
type Config struct {
	ChannelsList        []int
	NumResidualBlocks   int
	LatentDim           int
	NumCodebookVectors  int
	Beta                float64
	NormGroups          int
	LambdaScale         float64
	ImageChannels       int
	codebookInitialSeed uint64
}

// NewConfig reads the model configuration from the hyperparameters in ctx.
// imageChannels is the number of channels of the images to reconstruct.
func NewConfig(ctx *context.Context, imageChannels int) *Config {
	return &Config{
		ChannelsList:        context.GetParamOr(ctx, ParamChannelsList, []int{64, 128}),
		NumResidualBlocks:   context.GetParamOr(ctx, ParamNumResidualBlocks, 1),
		LatentDim:           context.GetParamOr(ctx, ParamLatentDim, 64),
		NumCodebookVectors:  context.GetParamOr(ctx, ParamNumCodebookVectors, 512),
		Beta:                context.GetParamOr(ctx, ParamBeta, 0.25),
		NormGroups:          context.GetParamOr(ctx, ParamNormGroups, 8),
		LambdaScale:         context.GetParamOr(ctx, ParamLambdaScale, 0.8),
		ImageChannels:       imageChannels,
		codebookInitialSeed: 42,
	}
}

// Model is the VQGAN generator. It holds no variables itself: they live in the context passed to
// its methods.
type Model struct {
	config *Config
}

// New creates a VQGAN generator with the given configuration.
func New(config *Config) *Model {
	return &Model{config: config}
}

// Config returns the model configuration.
func (m *Model) Config() *Config { return m.config }

// Forward encodes, quantizes and decodes images.
//
// It returns the decoded images (same shape as images), the codebook indices used (shaped
// `[batch_size, latent_height, latent_width]`) and the quantization loss (a scalar).
func (m *Model) Forward(ctx *context.Context, images *Node) (decoded, indices, quantLoss *Node) {
	images.AssertRank(4)
	cfg := m.config
	if images.Shape().Dimensions[1] != cfg.ImageChannels {
		exceptions.Panicf("vqgan: expected images with %d channels (channels-first), got shape %s",
			cfg.ImageChannels, images.Shape())
	}
	downFactor := 1 << (len(cfg.ChannelsList) - 1)
	for _, dim := range images.Shape().Dimensions[2:] {
		if dim%downFactor != 0 {
			exceptions.Panicf("vqgan: image spatial dimensions must be divisible by %d (2^(len(%s)-1)), got shape %s",
				downFactor, ParamChannelsList, images.Shape())
		}
	}
	ctx = ctx.In(ModelScope)

	encoded := Encoder(ctx.In(ScopeEncoder), cfg, images)
	encoded = conv1x1(ctx.In(ScopeQuantConv), encoded, cfg.LatentDim)
	var quantized *Node
	quantized, indices, quantLoss = Quantize(ctx.In(ScopeCodebook), cfg, encoded)
	quantized = conv1x1(ctx.In(ScopePostQuantConv), quantized, cfg.LatentDim)
	decoded = Decoder(ctx.In(ScopeDecoder), cfg, quantized)
	return
}

// Encode returns the codebook indices for the images, without decoding them.
func (m *Model) Encode(ctx *context.Context, images *Node) (indices *Node) {
	ctx = ctx.In(ModelScope)
	encoded := Encoder(ctx.In(ScopeEncoder), m.config, images)
	encoded = conv1x1(ctx.In(ScopeQuantConv), encoded, m.config.LatentDim)
	_, indices, _ = Quantize(ctx.In(ScopeCodebook), m.config, encoded)
	return
}

// LastLayer returns the weights of the last convolution of the decoder, the variable the adaptive
// balancing coefficient is computed against.
//
// It returns nil if the model hasn't been built yet.
func (m *Model) LastLayer(ctx *context.Context) *context.Variable {
	scope := lastLayerScope(ctx)
	return ctx.GetVariableByScopeAndName(scope, "weights")
}

func lastLayerScope(ctx *context.Context) string {
	return ctx.In(ModelScope).In(ScopeDecoder).In(decoderOutputScope).In("conv").Scope()
}

// Parameters returns the trainable variables of the generator: encoder, decoder, codebook and the
// pre- and post-quantization projections.
func (m *Model) Parameters(ctx *context.Context) []*context.Variable {
	var params []*context.Variable
	for _, sub := range []string{ScopeEncoder, ScopeDecoder, ScopeCodebook, ScopeQuantConv, ScopePostQuantConv} {
		for v := range ctx.In(ModelScope).In(sub).IterVariablesInScope() {
			if v.Trainable {
				params = append(params, v)
			}
		}
	}
	return params
}

// AdoptWeight returns the discriminator gate factor as a Float32 graph scalar: discFactor if
// globalStep >= threshold, 0 otherwise.
func (m *Model) AdoptWeight(discFactor float64, globalStep *Node, threshold int64) *Node {
	return AdoptWeightGraph(discFactor, globalStep, threshold)
}

// CalculateLambda returns the adaptive balancing coefficient between recLoss and ganLoss, computed with
// respect to the weights of the last decoder layer. See CalculateLambda (the function) for details.
func (m *Model) CalculateLambda(ctx *context.Context, recLoss, ganLoss *Node) *Node {
	lastLayer := m.LastLayer(ctx)
	if lastLayer == nil {
		exceptions.Panicf("vqgan: CalculateLambda called before the decoder was built (no variable in scope %q)",
			lastLayerScope(ctx))
	}
	return CalculateLambda(recLoss, ganLoss, lastLayer.ValueGraph(recLoss.Graph()), m.config.LambdaScale)
}

// conv1x1 is a point-wise convolution, used for the projections in and out of the codebook space.
func conv1x1(ctx *context.Context, x *Node, channels int) *Node {
	return channelsFirstConv(ctx, x, channels, 1, 1)
}

// initialCodebook returns the initial codebook values, uniformly distributed in `[-1/K, 1/K]`,
// where K is the number of codebook vectors.
func initialCodebook(cfg *Config) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(cfg.codebookInitialSeed, uint64(cfg.NumCodebookVectors)))
	limit := 1.0 / float64(cfg.NumCodebookVectors)
	values := make([]float32, cfg.NumCodebookVectors*cfg.LatentDim)
	for ii := range values {
		values[ii] = float32((2*rng.Float64() - 1) * limit)
	}
	return tensors.FromFlatDataAndDimensions(values, cfg.NumCodebookVectors, cfg.LatentDim)
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("vqgan.Config{channels=%v, residual_blocks=%d, latent_dim=%d, codebook=%d, beta=%g}",
		c.ChannelsList, c.NumResidualBlocks, c.LatentDim, c.NumCodebookVectors, c.Beta)
}
