// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// pyramidScorer averages the mean absolute difference of the images over successive 2x2 mean-pooled scales.
// Coarser scales weigh structure over pixel noise.
type pyramidScorer struct {
	levels int
}

func newPyramid(levels int) (*pyramidScorer, error) {
	if levels < 1 {
		return nil, errors.Errorf("%q must be >= 1, got %d", ParamPyramidLevels, levels)
	}
	return &pyramidScorer{levels: levels}, nil
}

func (p *pyramidScorer) Name() string { return NamePyramid }

// Distance implements Scorer. Levels whose spatial dimensions would drop below 1 are skipped.
func (p *pyramidScorer) Distance(_ *context.Context, x, y *Node) *Node {
	x.AssertRank(4)
	y.AssertDims(x.Shape().Dimensions...)
	var sum *Node
	numLevels := 0
	for level := range p.levels {
		if level > 0 {
			dims := x.Shape().Dimensions
			if dims[2] < 2 || dims[3] < 2 {
				break
			}
			x = halve(x)
			y = halve(y)
		}
		diff := ReduceAndKeep(Abs(Sub(x, y)), ReduceMean, 1, 2, 3)
		if sum == nil {
			sum = diff
		} else {
			sum = Add(sum, diff)
		}
		numLevels++
	}
	return DivScalar(sum, float64(numLevels))
}

func halve(x *Node) *Node {
	return MeanPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).Strides(2).NoPadding().Done()
}
