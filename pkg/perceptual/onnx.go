// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	hfPrefix = "hf:"

	featureEpsilon = 1e-10
)

// onnxScorer measures distances between the feature maps of a pretrained ONNX backbone, in the manner of
// LPIPS: each feature map is unit-normalized over its channels, and the squared differences are summed over
// channels and averaged over the spatial positions, then summed over all the backbone outputs.
type onnxScorer struct {
	name      string
	inputName string
	imageSize int

	// backbone builds the graph of the ONNX model, returning its outputs.
	backbone func(ctx *context.Context, g *Graph, inputs map[string]*Node) []*Node

	// release frees the ONNX model, it is nil once released.
	release func()
}

// newONNX reads the backbone from source, which is either a local file path or "hf:<owner>/<repo>/<file>".
// The backbone variables are loaded into ctx.In(Scope) and marked as non-trainable.
func newONNX(ctx *context.Context, source string) (*onnxScorer, error) {
	onnxPath, err := resolveONNXPath(source)
	if err != nil {
		return nil, err
	}
	model, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX backbone from %q", onnxPath)
	}
	inputNames, _ := model.Inputs()
	if len(inputNames) != 1 {
		model.Close()
		return nil, errors.Errorf("ONNX backbone %q must have exactly one input (the images), it has %v",
			onnxPath, inputNames)
	}
	scopedCtx := ctx.In(Scope)
	if err := model.VariablesToContext(scopedCtx); err != nil {
		model.Close()
		return nil, errors.WithMessagef(err, "failed to load variables of ONNX backbone %q", onnxPath)
	}
	numVars := 0
	for v := range scopedCtx.IterVariablesInScope() {
		v.SetTrainable(false)
		numVars++
	}
	outputNames, _ := model.Outputs()
	klog.V(1).Infof("perceptual: ONNX backbone %q loaded: input %q, outputs %v, %d variables",
		onnxPath, inputNames[0], outputNames, numVars)
	return &onnxScorer{
		name:      PrefixONNX + source,
		inputName: inputNames[0],
		imageSize: context.GetParamOr(ctx, ParamImageSize, 0),
		backbone: func(ctx *context.Context, g *Graph, inputs map[string]*Node) []*Node {
			return model.CallGraph(ctx, g, inputs)
		},
		release: func() { model.Close() },
	}, nil
}

// resolveONNXPath downloads the file if source is a HuggingFace reference, or expands "~" otherwise.
func resolveONNXPath(source string) (string, error) {
	if !strings.HasPrefix(source, hfPrefix) {
		return fsutil.ReplaceTildeInDir(source)
	}
	repoID, file, err := splitHFReference(strings.TrimPrefix(source, hfPrefix))
	if err != nil {
		return "", err
	}
	repo := hub.New(repoID).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of HuggingFace repository %q", repoID)
	}
	onnxPath, err := repo.DownloadFile(file)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", file, repoID)
	}
	return onnxPath, nil
}

// splitHFReference splits "<owner>/<repo>/<file>" into the repository id and the file path within it.
func splitHFReference(ref string) (repoID, file string, err error) {
	parts := strings.SplitN(ref, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", errors.Errorf("invalid HuggingFace reference %q, expected <owner>/<repo>/<file>", ref)
	}
	return parts[0] + "/" + parts[1], parts[2], nil
}

func (s *onnxScorer) Name() string { return s.name }

// Close releases the ONNX model. It is safe to call more than once.
func (s *onnxScorer) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}

// Distance implements Scorer.
func (s *onnxScorer) Distance(ctx *context.Context, x, y *Node) *Node {
	x.AssertRank(4)
	y.AssertDims(x.Shape().Dimensions...)
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	both := s.preprocess(Concatenate([]*Node{x, y}, 0))
	features := s.backbone(ctx.In(Scope), g, map[string]*Node{s.inputName: both})

	var distance *Node
	for ii, feature := range features {
		if feature.Rank() < 2 || feature.Shape().Dimensions[0] != 2*batchSize {
			exceptions.Panicf("perceptual: ONNX backbone output #%d has shape %s, expected batch of %d as first axis",
				ii, feature.Shape(), 2*batchSize)
		}
		fx := L2NormalizeWithEpsilon(Slice(feature, AxisRange(0, batchSize)), featureEpsilon, 1)
		fy := L2NormalizeWithEpsilon(Slice(feature, AxisRangeToEnd(batchSize)), featureEpsilon, 1)
		layerDistance := ReduceSum(Square(Sub(fx, fy)), 1)
		if layerDistance.Rank() > 1 {
			spatialAxes := make([]int, layerDistance.Rank()-1)
			for axis := range spatialAxes {
				spatialAxes[axis] = axis + 1
			}
			layerDistance = ReduceMean(layerDistance, spatialAxes...)
		}
		if distance == nil {
			distance = layerDistance
		} else {
			distance = Add(distance, layerDistance)
		}
	}
	if distance == nil {
		exceptions.Panicf("perceptual: ONNX backbone %q has no outputs", s.name)
	}
	return Reshape(distance, batchSize, 1, 1, 1)
}

// preprocess adapts the images to the 3 channels backbones take, and optionally resizes them.
func (s *onnxScorer) preprocess(x *Node) *Node {
	channels := x.Shape().Dimensions[1]
	switch {
	case channels == 1:
		x = Concatenate([]*Node{x, x, x}, 1)
	case channels > 3:
		x = Slice(x, AxisRange(), AxisRange(0, 3))
	case channels == 2:
		exceptions.Panicf("perceptual: images with 2 channels are not supported by ONNX backbones")
	}
	if s.imageSize > 0 {
		dims := x.Shape().Dimensions
		x = Interpolate(x, dims[0], dims[1], s.imageSize, s.imageSize).Bilinear().Done()
	}
	return x
}
