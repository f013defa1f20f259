// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package discriminator implements a PatchGAN discriminator: a stack of strided 4x4 convolutions
// with batch normalization and leaky ReLUs, that outputs one realness logit per image patch.
//
// Images are channels-first, shaped `[batch_size, channels, height, width]`.
package discriminator

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ModelScope is the scope under which all discriminator variables are created.
	ModelScope = "discriminator"

	// ParamNumFilters is the number of filters of the first convolution. Each following layer doubles it,
	// up to 8 times this value.
	ParamNumFilters = "disc_num_filters"

	// ParamNumLayers is the number of normalized convolution layers after the first one.
	ParamNumLayers = "disc_num_layers"

	// ParamLeakyReluAlpha is the negative slope of the leaky ReLU activations.
	ParamLeakyReluAlpha = "disc_leaky_relu_alpha"

	// ParamInitStddev is the standard deviation used by InitWeights.
	ParamInitStddev = "disc_init_stddev"

	kernelSize        = 4
	maxFilterFactor   = 8
	batchNormScope    = "batch_normalization"
	batchNormEpsilon  = 1e-5
	batchNormMomentum = 0.9
)

// Config holds the discriminator hyperparameters.
type Config struct {
	NumFilters     int
	NumLayers      int
	LeakyReluAlpha float64
	InitStddev     float64
}

// NewConfig reads the discriminator configuration from the hyperparameters in ctx.
func NewConfig(ctx *context.Context) *Config {
	return &Config{
		NumFilters:     context.GetParamOr(ctx, ParamNumFilters, 64),
		NumLayers:      context.GetParamOr(ctx, ParamNumLayers, 3),
		LeakyReluAlpha: context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2),
		InitStddev:     context.GetParamOr(ctx, ParamInitStddev, 0.02),
	}
}

// Model is a PatchGAN discriminator. Its variables live in the context passed to its methods.
type Model struct {
	config *Config
}

// New creates a discriminator with the given configuration.
func New(config *Config) *Model {
	return &Model{config: config}
}

// Config returns the discriminator configuration.
func (m *Model) Config() *Config { return m.config }

// Forward returns the realness logits of each image patch, shaped `[batch_size, 1, patches_height, patches_width]`.
//
// In training mode (see context.Context.SetTraining) batch normalization uses the statistics of the batch
// and updates its moving averages.
func (m *Model) Forward(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	cfg := m.config
	if cfg.NumLayers < 1 {
		exceptions.Panicf("discriminator: %q must be >= 1, got %d", ParamNumLayers, cfg.NumLayers)
	}
	ctx = ctx.In(ModelScope)
	layerNum := 0
	nextCtx := func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return scopedCtx
	}

	x := patchConv(nextCtx("conv"), images, cfg.NumFilters, 2, true)
	x = activations.LeakyReluWithAlpha(x, cfg.LeakyReluAlpha)
	for ii := 1; ii <= cfg.NumLayers; ii++ {
		filters := cfg.NumFilters * min(1<<ii, maxFilterFactor)
		strides := 2
		if ii == cfg.NumLayers {
			strides = 1
		}
		blockCtx := nextCtx("block")
		x = patchConv(blockCtx, x, filters, strides, false)
		x = batchnorm.New(blockCtx, x, 1).Momentum(batchNormMomentum).Epsilon(batchNormEpsilon).Done()
		x = activations.LeakyReluWithAlpha(x, cfg.LeakyReluAlpha)
	}
	return patchConv(nextCtx("conv_out"), x, 1, 1, true)
}

func patchConv(ctx *context.Context, x *Node, filters, strides int, useBias bool) *Node {
	return layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(filters).
		KernelSize(kernelSize).
		Strides(strides).
		PadSame().
		UseBias(useBias).
		Done()
}

// Parameters returns the trainable variables of the discriminator.
func (m *Model) Parameters(ctx *context.Context) []*context.Variable {
	var params []*context.Variable
	for v := range ctx.In(ModelScope).IterVariablesInScope() {
		if v.Trainable {
			params = append(params, v)
		}
	}
	return params
}

// initPolicy is how InitWeights resets one variable.
type initPolicy int

const (
	initKeep initPolicy = iota
	initNormalZeroMean
	initNormalOneMean
	initZero
)

func policyFor(v *context.Variable) initPolicy {
	isBatchNorm := strings.HasSuffix(v.Scope(), context.ScopeSeparator+batchNormScope)
	switch {
	case v.Name() == "weights":
		return initNormalZeroMean
	case isBatchNorm && v.Name() == "scale":
		return initNormalOneMean
	case v.Name() == "biases", isBatchNorm && v.Name() == "offset":
		return initZero
	}
	return initKeep
}

// InitWeights resets the discriminator variables already created in ctx: convolution kernels are drawn
// from N(0, InitStddev), batch normalization scales from N(1, InitStddev), and convolution biases and batch
// normalization offsets are set to 0. Moving averages of the batch normalization are left untouched.
//
// The model must have been built (Forward called in some graph) before.
func (m *Model) InitWeights(backend backends.Backend, ctx *context.Context) error {
	var toInit []*context.Variable
	for v := range ctx.In(ModelScope).IterVariablesInScope() {
		if policyFor(v) != initKeep {
			toInit = append(toInit, v)
		}
	}
	if len(toInit) == 0 {
		return errors.Errorf("discriminator: no variables found in scope %q, was the model built?",
			ctx.In(ModelScope).Scope())
	}
	stddev := m.config.InitStddev
	err := exceptions.TryCatch[error](func() {
		done := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			for _, v := range toInit {
				var value *Node
				switch policyFor(v) {
				case initNormalZeroMean:
					value = MulScalar(ctx.RandomNormal(g, v.Shape()), stddev)
				case initNormalOneMean:
					value = AddScalar(MulScalar(ctx.RandomNormal(g, v.Shape()), stddev), 1.0)
				case initZero:
					value = Zeros(g, v.Shape())
				}
				v.SetValueGraph(value)
			}
			return ScalarOne(g, dtypes.Int32)
		})
		done.MustFinalizeAll()
	})
	if err != nil {
		return errors.WithMessage(err, "discriminator: failed to initialize weights")
	}
	klog.V(1).Infof("discriminator: initialized %d variables", len(toInit))
	return nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("discriminator.Config{filters=%d, layers=%d, leaky_relu_alpha=%g, init_stddev=%g}",
		c.NumFilters, c.NumLayers, c.LeakyReluAlpha, c.InitStddev)
}
