// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package discriminator

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSmall(t *testing.T) (*context.Context, *Model) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumFilters: 8,
		ParamNumLayers:  2,
	})
	model := New(NewConfig(ctx))
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 16, 16))
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), true)
		return model.Forward(ctx, images)
	}, images)
	// 16x16 -> 8x8 (first conv) -> 4x4 (first block) -> 4x4 (last block, stride 1) -> 4x4.
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 1, 4, 4))
	return ctx, model
}

func TestForward(t *testing.T) {
	ctx, model := buildSmall(t)
	params := model.Parameters(ctx)
	var numWeights, numScales int
	for _, v := range params {
		require.True(t, v.Trainable)
		switch v.Name() {
		case "weights":
			numWeights++
		case "scale":
			numScales++
		case "mean", "variance", "avg_weight":
			t.Errorf("moving average %q should not be a trainable parameter", v.ScopeAndName())
		}
	}
	assert.Equal(t, 4, numWeights, "first conv, 2 blocks and output conv")
	assert.Equal(t, 2, numScales, "one batch normalization per block")
}

func TestInitWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model := buildSmall(t)
	require.NoError(t, model.InitWeights(backend, ctx))

	for v := range ctx.In(ModelScope).IterVariablesInScope() {
		values := tensors.MustCopyFlatData[float32](v.MustValue())
		switch policyFor(v) {
		case initZero:
			for _, value := range values {
				require.Zerof(t, value, "%s should be zero", v.ScopeAndName())
			}
		case initNormalOneMean:
			for _, value := range values {
				require.InDeltaf(t, 1.0, value, 0.2, "%s should be close to 1", v.ScopeAndName())
			}
		case initNormalZeroMean:
			if len(values) < 1000 {
				continue
			}
			var sum, sum2 float64
			for _, value := range values {
				sum += float64(value)
				sum2 += float64(value) * float64(value)
			}
			mean := sum / float64(len(values))
			stddev := math.Sqrt(sum2/float64(len(values)) - mean*mean)
			assert.InDeltaf(t, 0.0, mean, 0.005, "mean of %s", v.ScopeAndName())
			assert.InDeltaf(t, 0.02, stddev, 0.005, "stddev of %s", v.ScopeAndName())
		}
	}
}

func TestInitWeightsBeforeBuild(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := New(NewConfig(ctx))
	require.Error(t, model.InitWeights(backend, ctx))
}
