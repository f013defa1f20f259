// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vqgan

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// lambdaEpsilon is added to the GAN gradient norm in the denominator of the balancing coefficient.
	lambdaEpsilon = 1e-4

	// lambdaMax is the upper clamp of the balancing coefficient, before scaling.
	lambdaMax = 1e4
)

// AdoptWeight returns discFactor if step >= threshold, and 0 otherwise.
func AdoptWeight(discFactor float64, step, threshold int64) float64 {
	if step < threshold {
		return 0
	}
	return discFactor
}

// AdoptWeightGraph is the graph version of AdoptWeight: step is an integer scalar node (usually the global
// step), and it returns a Float32 scalar.
func AdoptWeightGraph(discFactor float64, step *Node, threshold int64) *Node {
	g := step.Graph()
	reached := GreaterOrEqual(step, Scalar(g, step.DType(), threshold))
	return Where(reached, Scalar(g, dtypes.Float32, discFactor), ScalarZero(g, dtypes.Float32))
}

// CalculateLambda returns the adaptive weight balancing the perceptual reconstruction loss recLoss and the
// adversarial loss ganLoss, measured on the gradients with respect to lastLayerWeights:
//
//	λ = scale * clip(‖∇rec‖ / (‖∇gan‖ + 1e-4), 0, 1e4)
//
// The result is a scalar with no gradient. If ganLoss doesn't depend on lastLayerWeights its gradient is
// zero, and λ becomes scale * min(‖∇rec‖ * 1e4, 1e4).
func CalculateLambda(recLoss, ganLoss, lastLayerWeights *Node, scale float64) *Node {
	recGrad := Gradient(recLoss, lastLayerWeights)[0]
	ganGrad := Gradient(ganLoss, lastLayerWeights)[0]
	lambda := Div(L2Norm(recGrad), AddScalar(L2Norm(ganGrad), lambdaEpsilon))
	lambda = ClipScalar(lambda, 0, lambdaMax)
	lambda = MulScalar(lambda, scale)
	return StopGradient(lambda)
}
