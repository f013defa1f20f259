// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vqgan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// CodebookVariableName is the name of the codebook embedding table variable, shaped
// `[num_codebook_vectors, latent_dim]`.
const CodebookVariableName = "embedding"

// Quantize replaces each latent vector of z (shaped `[batch, latent_dim, height, width]`) by its
// nearest codebook entry.
//
// It returns:
//
//   - quantized: same shape as z. In the backward pass the gradient flows straight through to z.
//   - indices: the index of the codebook entry used for each latent vector, shaped `[batch, height, width]`.
//   - loss: the codebook loss plus the commitment loss weighted by Config.Beta, a scalar.
func Quantize(ctx *context.Context, cfg *Config, z *Node) (quantized, indices, loss *Node) {
	z.AssertRank(4)
	g := z.Graph()
	dims := z.Shape().Dimensions
	batchSize, latentDim, height, width := dims[0], dims[1], dims[2], dims[3]
	if latentDim != cfg.LatentDim {
		z.AssertDims(batchSize, cfg.LatentDim, height, width)
	}

	var embeddingVar *context.Variable
	if embeddingVar = ctx.GetVariableByScopeAndName(ctx.Scope(), CodebookVariableName); embeddingVar == nil {
		embeddingVar = ctx.VariableWithValue(CodebookVariableName, initialCodebook(cfg))
	}
	embedding := embeddingVar.ValueGraph(g)
	if embedding.DType() != z.DType() {
		embedding = ConvertDType(embedding, z.DType())
	}

	// Flatten to one latent vector per row.
	zFlat := TransposeAllAxes(z, 0, 2, 3, 1)
	zFlat = Reshape(zFlat, batchSize*height*width, latentDim)

	// Squared distances: |z|^2 + |e|^2 - 2 z.e
	zNorms := ReduceAndKeep(Square(zFlat), ReduceSum, -1)
	embNorms := InsertAxes(ReduceSum(Square(embedding), -1), 0)
	distances := Sub(Add(zNorms, embNorms), MulScalar(Einsum("nd,kd->nk", zFlat, embedding), 2.0))
	flatIndices := ArgMin(distances, -1)

	zq := Gather(embedding, InsertAxes(flatIndices, -1))
	codebookLoss := ReduceAllMean(Square(Sub(StopGradient(zq), zFlat)))
	commitmentLoss := ReduceAllMean(Square(Sub(zq, StopGradient(zFlat))))
	loss = Add(codebookLoss, MulScalar(commitmentLoss, cfg.Beta))

	// Straight-through estimator.
	zq = Add(zFlat, StopGradient(Sub(zq, zFlat)))
	quantized = Reshape(zq, batchSize, height, width, latentDim)
	quantized = TransposeAllAxes(quantized, 0, 3, 1, 2)
	indices = Reshape(flatIndices, batchSize, height, width)
	return
}
