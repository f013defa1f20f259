// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vqgan

import (
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

func TestAdoptWeight(t *testing.T) {
	assert.Equal(t, 0.0, AdoptWeight(1.0, 0, 10))
	assert.Equal(t, 0.0, AdoptWeight(1.0, 9, 10))
	assert.Equal(t, 1.0, AdoptWeight(1.0, 10, 10))
	assert.Equal(t, 0.5, AdoptWeight(0.5, 11, 10))
	assert.Equal(t, 0.7, AdoptWeight(0.7, 0, 0))
}

func TestAdoptWeightGraph(t *testing.T) {
	for _, step := range []int64{0, 9, 10, 1000} {
		want := float32(AdoptWeight(0.5, step, 10))
		graphtest.RunTestGraphFn(t, "AdoptWeightGraph", func(g *Graph) (inputs, outputs []*Node) {
			stepNode := Const(g, step)
			inputs = []*Node{stepNode}
			outputs = []*Node{AdoptWeightGraph(0.5, stepNode, 10)}
			return
		}, []any{want}, -1)
	}
}

func TestCalculateLambda(t *testing.T) {
	// recLoss = sum(w*a), ganLoss = sum(w*b): the gradients with respect to w are a and b.
	lambdaGraph := func(a, b []float32) graphtest.TestGraphFn {
		return func(g *Graph) (inputs, outputs []*Node) {
			w := Const(g, []float32{1, 1})
			recLoss := ReduceAllSum(Mul(w, Const(g, a)))
			ganLoss := ReduceAllSum(Mul(w, Const(g, b)))
			inputs = []*Node{w}
			outputs = []*Node{CalculateLambda(recLoss, ganLoss, w, 0.8)}
			return
		}
	}
	graphtest.RunTestGraphFn(t, "ratio", lambdaGraph([]float32{3, 4}, []float32{6, 8}),
		[]any{float32(0.8 * 5.0 / (10.0 + 1e-4))}, 1e-4)
	graphtest.RunTestGraphFn(t, "clamped-high", lambdaGraph([]float32{3, 4}, []float32{0, 0}),
		[]any{float32(0.8 * 1e4)}, 1e-1)
	graphtest.RunTestGraphFn(t, "zero-reconstruction-gradient", lambdaGraph([]float32{0, 0}, []float32{6, 8}),
		[]any{float32(0)}, 1e-6)
}

func TestQuantize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := &Config{LatentDim: 2, NumCodebookVectors: 3, Beta: 0.25, codebookInitialSeed: 1}
	ctx.In(ScopeCodebook).VariableWithValue(CodebookVariableName, [][]float32{{0, 0}, {1, 1}, {-1, 2}})

	// z is shaped [batch=1, latent_dim=2, height=1, width=2], with latent vectors (0.9, 1.2) and (-0.8, 1.5).
	z := tensors.FromValue([][][][]float32{{{{0.9, -0.8}}, {{1.2, 1.5}}}})
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, z *Node) []*Node {
		quantized, indices, loss := Quantize(ctx.In(ScopeCodebook), cfg, z)
		return []*Node{quantized, indices, loss}
	}, z)
	quantized, indices, loss := outputs[0], outputs[1], outputs[2]

	require.NoError(t, quantized.Shape().Check(dtypes.Float32, 1, 2, 1, 2))
	assert.InDeltaSlice(t, []float32{1, -1, 1, 2}, tensors.MustCopyFlatData[float32](quantized), 1e-6)
	require.NoError(t, indices.Shape().Check(dtypes.Int32, 1, 1, 2))
	assert.Equal(t, []int32{1, 2}, tensors.MustCopyFlatData[int32](indices))
	// Squared errors: 0.01, 0.04, 0.04, 0.25 -> mean 0.085, times (1+beta).
	assert.InDelta(t, 0.085*1.25, tensors.ToScalar[float32](loss), 1e-5)
}

func TestQuantizeGradientIsStraightThrough(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := &Config{LatentDim: 2, NumCodebookVectors: 3, Beta: 0.25, codebookInitialSeed: 1}
	ctx.In(ScopeCodebook).VariableWithValue(CodebookVariableName, [][]float32{{0, 0}, {1, 1}, {-1, 2}})
	z := tensors.FromValue([][][][]float32{{{{0.9, -0.8}}, {{1.2, 1.5}}}})
	grad := context.MustExecOnce(backend, ctx, func(ctx *context.Context, z *Node) *Node {
		quantized, _, _ := Quantize(ctx.In(ScopeCodebook), cfg, z)
		return Gradient(ReduceAllSum(quantized), z)[0]
	}, z)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, tensors.MustCopyFlatData[float32](grad), 1e-6)
}

func TestGroupNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 10, 20, 30, 40}, 1, 2, 2, 2)
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		// 3 groups doesn't divide 2 channels, so it falls back to 2 groups: one per channel.
		return GroupNormalization(ctx, x, 3)
	}, x)
	values := tensors.MustCopyFlatData[float32](got)
	// Each channel is normalized independently: (v-mean)/std with std=sqrt(1.25) for the first channel.
	assert.InDeltaSlice(t, values[:4], values[4:], 1e-4)
	assert.InDelta(t, -1.5/1.118034, values[0], 1e-4)
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/group_normalization", "gain"))
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/group_normalization", "offset"))
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamChannelsList:       []int{8, 16},
		ParamNumResidualBlocks:  1,
		ParamLatentDim:          4,
		ParamNumCodebookVectors: 16,
		ParamNormGroups:         4,
	})
	model := New(NewConfig(ctx, 1))
	require.Nil(t, model.LastLayer(ctx))

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 8, 8))
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		decoded, indices, quantLoss := model.Forward(ctx, images)
		return []*Node{decoded, indices, quantLoss}
	}, images)
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 1, 8, 8))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Int32, 2, 4, 4))
	require.True(t, outputs[2].Shape().IsScalar())

	lastLayer := model.LastLayer(ctx)
	require.NotNil(t, lastLayer)
	assert.Equal(t, 4, lastLayer.Shape().Rank())

	params := model.Parameters(ctx)
	require.NotEmpty(t, params)
	var foundCodebook bool
	for _, v := range params {
		if v.Name() == CodebookVariableName {
			foundCodebook = true
			assert.Equal(t, []int{16, 4}, v.Shape().Dimensions)
		}
	}
	assert.True(t, foundCodebook, "codebook variable should be listed as a trainable parameter")
}

func TestForwardRejectsBadShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamChannelsList: []int{8, 16, 16}})
	model := New(NewConfig(ctx, 3))
	require.Panics(t, func() {
		// Wrong number of channels.
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
			decoded, _, _ := model.Forward(ctx, images)
			return decoded
		}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 1, 8, 8)))
	})
	require.Panics(t, func() {
		// 6 is not divisible by 4.
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
			decoded, _, _ := model.Forward(ctx, images)
			return decoded
		}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 6, 8)))
	})
}
