// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perceptual implements perceptual distances between batches of images.
//
// A Scorer is selected by name with New:
//
//   - "pyramid": mean absolute difference of the images at several scales (no pretrained weights).
//   - "onnx:<path>": LPIPS-like distance over the feature maps output by an ONNX backbone read from <path>.
//   - "onnx:hf:<owner>/<repo>/<file>": same, with the ONNX file downloaded from the HuggingFace Hub.
//   - "vgg": LPIPS VGG distance, an alias to "onnx:<source>" where <source> is given by ParamVGGONNX.
//   - "none": always zero.
//
// Images are channels-first, shaped `[batch_size, channels, height, width]`, with values in `[-1, 1]`.
package perceptual

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// Scope under which the variables of pretrained backbones are loaded.
	Scope = "perceptual"

	// ParamPyramidLevels is the number of scales used by the "pyramid" scorer.
	ParamPyramidLevels = "perceptual_pyramid_levels"

	// ParamImageSize, if > 0, is the spatial size images are resized to before being fed to an ONNX backbone.
	ParamImageSize = "perceptual_image_size"

	// ParamVGGONNX is the local path or "hf:<owner>/<repo>/<file>" reference of the LPIPS VGG ONNX export
	// used by the "vgg" scorer. There is no default.
	ParamVGGONNX = "perceptual_vgg_onnx"

	NamePyramid = "pyramid"
	NameVGG     = "vgg"
	NameNone    = "none"
	PrefixONNX  = "onnx:"
)

// Scorer computes a perceptual distance between two batches of images.
type Scorer interface {
	// Name of the scorer, as given to New.
	Name() string

	// Distance returns the distance between each pair of images of x and y, shaped `[batch_size, 1, 1, 1]`
	// so it broadcasts over pixels. It is differentiable with respect to both inputs.
	Distance(ctx *context.Context, x, y *Node) *Node
}

// New returns the Scorer with the given name. See package documentation for the names accepted.
//
// Scorers with pretrained weights load them into ctx.In(Scope), as non-trainable variables.
func New(ctx *context.Context, name string) (Scorer, error) {
	switch {
	case name == NamePyramid:
		return newPyramid(context.GetParamOr(ctx, ParamPyramidLevels, 3))
	case name == NameNone:
		return noneScorer{}, nil
	case name == NameVGG:
		source := context.GetParamOr(ctx, ParamVGGONNX, "")
		if source == "" {
			return nil, errors.Errorf("perceptual model %q requires an LPIPS VGG network exported to ONNX: "+
				"set the hyperparameter %q to its local path or to \"hf:<owner>/<repo>/<file>\"", name, ParamVGGONNX)
		}
		scorer, err := newONNX(ctx, source)
		if err != nil {
			return nil, errors.WithMessagef(err, "perceptual model %q (%s=%q)", name, ParamVGGONNX, source)
		}
		scorer.name = NameVGG
		return scorer, nil
	case strings.HasPrefix(name, PrefixONNX):
		scorer, err := newONNX(ctx, strings.TrimPrefix(name, PrefixONNX))
		if err != nil {
			return nil, errors.WithMessagef(err, "perceptual model %q", name)
		}
		return scorer, nil
	}
	return nil, errors.Errorf("unknown perceptual model %q, valid values are %q, %q, %q, %q<path> or %qhf:<owner>/<repo>/<file>",
		name, NamePyramid, NameVGG, NameNone, PrefixONNX, PrefixONNX)
}

type noneScorer struct{}

func (noneScorer) Name() string { return NameNone }

func (noneScorer) Distance(_ *context.Context, x, _ *Node) *Node {
	batchSize := x.Shape().Dimensions[0]
	return Zeros(x.Graph(), shapes.Make(x.DType(), batchSize, 1, 1, 1))
}
