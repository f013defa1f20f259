// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"path/filepath"
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

func TestNew(t *testing.T) {
	ctx := context.New()
	scorer, err := New(ctx, NamePyramid)
	require.NoError(t, err)
	assert.Equal(t, NamePyramid, scorer.Name())

	scorer, err = New(ctx, NameNone)
	require.NoError(t, err)
	assert.Equal(t, NameNone, scorer.Name())

	_, err = New(ctx, "vgg16")
	require.Error(t, err)

	// "vgg" needs the location of the ONNX export.
	_, err = New(ctx, NameVGG)
	require.ErrorContains(t, err, ParamVGGONNX)
	ctx.SetParam(ParamVGGONNX, filepath.Join(t.TempDir(), "lpips_vgg.onnx"))
	_, err = New(ctx, NameVGG)
	require.ErrorContains(t, err, "lpips_vgg.onnx")

	_, err = New(ctx, PrefixONNX+filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)

	_, err = New(ctx, PrefixONNX+"hf:only-owner")
	require.Error(t, err)

	ctx.SetParam(ParamPyramidLevels, 0)
	_, err = New(ctx, NamePyramid)
	require.Error(t, err)
}

func TestSplitHFReference(t *testing.T) {
	repoID, file, err := splitHFReference("owner/repo/onnx/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, "owner/repo", repoID)
	assert.Equal(t, "onnx/model.onnx", file)

	for _, invalid := range []string{"", "owner", "owner/repo", "owner//file", "/repo/file"} {
		_, _, err = splitHFReference(invalid)
		assert.Errorf(t, err, "reference %q should be invalid", invalid)
	}
}

func distance(t *testing.T, scorer Scorer, x, y *tensors.Tensor) []float32 {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x, y *Node) *Node {
		return scorer.Distance(ctx, x, y)
	}, x, y)
	require.NoError(t, got.Shape().Check(dtypes.Float32, x.Shape().Dimensions[0], 1, 1, 1))
	return tensors.MustCopyFlatData[float32](got)
}

func TestPyramid(t *testing.T) {
	scorer, err := newPyramid(3)
	require.NoError(t, err)

	zeros := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 4, 4))
	// Example 0: all ones, differs by 1 at every scale.
	// Example 1: checkerboard of +1/-1, differs by 1 at full scale and averages out to 0 on coarser scales.
	values := make([]float32, 2*16)
	for ii := range 16 {
		values[ii] = 1
		row, col := ii/4, ii%4
		if (row+col)%2 == 0 {
			values[16+ii] = 1
		} else {
			values[16+ii] = -1
		}
	}
	other := tensors.FromFlatDataAndDimensions(values, 2, 1, 4, 4)
	assert.InDeltaSlice(t, []float32{1, 1.0 / 3.0}, distance(t, scorer, zeros, other), 1e-5)
	assert.InDeltaSlice(t, []float32{0, 0}, distance(t, scorer, other, other), 1e-6)
}

func TestPyramidSkipsTooSmallLevels(t *testing.T) {
	scorer, err := newPyramid(5)
	require.NoError(t, err)
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 2, 2))
	y := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 2, 2)
	assert.InDeltaSlice(t, []float32{0.5}, distance(t, scorer, x, y), 1e-6)
}

func TestNone(t *testing.T) {
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 1, 4, 4))
	y := tensors.FromScalarAndDimensions(float32(1), 3, 1, 4, 4)
	assert.Equal(t, []float32{0, 0, 0}, distance(t, noneScorer{}, x, y))
}
