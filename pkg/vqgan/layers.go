// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vqgan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// decoderOutputScope is the scope of the last decoder convolution, the one used by CalculateLambda.
	decoderOutputScope = "conv_out"

	groupNormEpsilon = 1e-6
)

// channelsFirstConv is a convolution with "same" padding over channels-first images.
func channelsFirstConv(ctx *context.Context, x *Node, channels, kernelSize, strides int) *Node {
	return layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(strides).
		PadSame().
		Done()
}

// GroupNormalization normalizes channels-first x (shaped `[batch, channels, height, width]`) over
// groups of channels and the spatial axes, with a learned gain and offset per channel.
//
// If numGroups doesn't divide the number of channels, the largest divisor smaller than numGroups is used.
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	numGroups = min(max(numGroups, 1), channels)
	for channels%numGroups != 0 {
		numGroups--
	}

	grouped := Reshape(x, batchSize, numGroups, channels/numGroups, height, width)
	mean := ReduceAndKeep(grouped, ReduceMean, 2, 3, 4)
	centered := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 2, 3, 4)
	normalized := Div(centered, Sqrt(AddScalar(variance, groupNormEpsilon)))
	normalized = Reshape(normalized, dims...)

	ctx = ctx.In("group_normalization")
	paramShape := shapes.Make(x.DType(), channels)
	gain := ctx.WithInitializer(initializers.One).VariableWithShape("gain", paramShape).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", paramShape).ValueGraph(g)
	normalized = Mul(normalized, Reshape(gain, 1, channels, 1, 1))
	return Add(normalized, Reshape(offset, 1, channels, 1, 1))
}

// ResidualBlock applies two normalized 3x3 convolutions to x and adds the result to x, projecting x
// with a 1x1 convolution if the number of channels changes.
func ResidualBlock(ctx *context.Context, cfg *Config, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[1]
	layerNum := 0
	nextCtx := func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return scopedCtx
	}

	residual := x
	if inputChannels != outputChannels {
		residual = conv1x1(nextCtx("residual_projection"), x, outputChannels)
	}
	x = GroupNormalization(nextCtx("norm"), x, cfg.NormGroups)
	x = activations.Swish(x)
	x = channelsFirstConv(nextCtx("conv"), x, outputChannels, 3, 1)
	x = GroupNormalization(nextCtx("norm"), x, cfg.NormGroups)
	x = activations.Swish(x)
	x = channelsFirstConv(nextCtx("conv"), x, outputChannels, 3, 1)
	return Add(x, residual)
}

// DownSample halves the spatial dimensions of x with a strided 3x3 convolution.
func DownSample(ctx *context.Context, x *Node) *Node {
	return channelsFirstConv(ctx, x, x.Shape().Dimensions[1], 3, 2)
}

// UpSample doubles the spatial dimensions of x with nearest-neighbor interpolation followed by a 3x3 convolution.
func UpSample(ctx *context.Context, x *Node) *Node {
	x = Interpolate(x, images.GetUpSampledSizes(x, images.ChannelsFirst, 2)...).Nearest().Done()
	return channelsFirstConv(ctx, x, x.Shape().Dimensions[1], 3, 1)
}

// Encoder maps images shaped `[batch, image_channels, height, width]` to latent vectors shaped
// `[batch, latent_dim, height/f, width/f]`, where f is 2^(len(ChannelsList)-1).
func Encoder(ctx *context.Context, cfg *Config, x *Node) *Node {
	if len(cfg.ChannelsList) == 0 {
		exceptions.Panicf("vqgan: %q must have at least one element", ParamChannelsList)
	}
	layerNum := 0
	nextCtx := func(format string, args ...any) *context.Context {
		scopedCtx := ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return scopedCtx
	}

	x = channelsFirstConv(nextCtx("conv_in"), x, cfg.ChannelsList[0], 3, 1)
	for level, channels := range cfg.ChannelsList {
		for ii := range cfg.NumResidualBlocks {
			x = ResidualBlock(nextCtx("level_%d_residual_%d", level, ii), cfg, x, channels)
		}
		if level < len(cfg.ChannelsList)-1 {
			x = DownSample(nextCtx("level_%d_downsample", level), x)
		}
	}
	lastChannels := cfg.ChannelsList[len(cfg.ChannelsList)-1]
	x = ResidualBlock(nextCtx("middle"), cfg, x, lastChannels)
	x = GroupNormalization(nextCtx("norm_out"), x, cfg.NormGroups)
	x = activations.Swish(x)
	return channelsFirstConv(nextCtx("conv_out"), x, cfg.LatentDim, 3, 1)
}

// Decoder maps quantized latent vectors back to images, mirroring Encoder.
// The last convolution is created in the scope decoderOutputScope.
func Decoder(ctx *context.Context, cfg *Config, x *Node) *Node {
	layerNum := 0
	nextCtx := func(format string, args ...any) *context.Context {
		scopedCtx := ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return scopedCtx
	}

	numLevels := len(cfg.ChannelsList)
	x = channelsFirstConv(nextCtx("conv_in"), x, cfg.ChannelsList[numLevels-1], 3, 1)
	x = ResidualBlock(nextCtx("middle"), cfg, x, cfg.ChannelsList[numLevels-1])
	for level := numLevels - 1; level >= 0; level-- {
		channels := cfg.ChannelsList[level]
		for ii := range cfg.NumResidualBlocks {
			x = ResidualBlock(nextCtx("level_%d_residual_%d", level, ii), cfg, x, channels)
		}
		if level > 0 {
			x = UpSample(nextCtx("level_%d_upsample", level), x)
		}
	}
	x = GroupNormalization(nextCtx("norm_out"), x, cfg.NormGroups)
	x = activations.Swish(x)
	return channelsFirstConv(ctx.In(decoderOutputScope), x, cfg.ImageChannels, 3, 1)
}
