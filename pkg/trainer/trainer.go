// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the adversarial training of a VQGAN: it owns the generator and discriminator
// optimizers, composes the joint loss, and handles the periodic visualizations and checkpoints.
//
// The trainer only depends on the Generator, Discriminator and perceptual.Scorer interfaces; the concrete
// models are in the packages vqgan, discriminator and perceptual.
package trainer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/vqgan/pkg/datasource"
	"github.com/gomlx/vqgan/pkg/discriminator"
	"github.com/gomlx/vqgan/pkg/history"
	"github.com/gomlx/vqgan/pkg/perceptual"
	"github.com/gomlx/vqgan/pkg/visualize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ReconstructedImagesDir is the sub-directory of the experiment directory where the grids of real and
	// reconstructed images are written. It is cleared by New.
	ReconstructedImagesDir = "reconstructed_imgs"

	// RunInfoFileName is the file in the experiment directory with the run metadata.
	RunInfoFileName = "run.json"

	// DefaultMoviePath is where the movie of reconstructions is written if Config.MoviePath is empty.
	DefaultMoviePath = "movie.gif"

	generatorOptimizerScope     = "/generator_optimizer"
	discriminatorOptimizerScope = "/discriminator_optimizer"
)

// Generator is the model being trained: an autoencoder with a quantized bottleneck.
//
// All methods are graph building functions, and may panic (with exceptions.Panicf) on errors.
type Generator interface {
	// Forward returns the reconstructed images, the codebook indices and the (scalar) quantization loss.
	Forward(ctx *context.Context, images *Node) (decoded, indices, quantLoss *Node)

	// Parameters returns the trainable variables of the generator. Only valid after the model is built.
	Parameters(ctx *context.Context) []*context.Variable

	// AdoptWeight returns the adversarial gate factor: discFactor if globalStep >= threshold, 0 otherwise.
	AdoptWeight(discFactor float64, globalStep *Node, threshold int64) *Node

	// CalculateLambda returns the adaptive balancing coefficient between the reconstruction loss and the
	// generator adversarial loss. The returned value has its gradient stopped.
	CalculateLambda(ctx *context.Context, recLoss, ganLoss *Node) *Node
}

// Discriminator scores the realness of images, patch by patch.
type Discriminator interface {
	// Forward returns the realness logits, one or more per image.
	Forward(ctx *context.Context, images *Node) *Node

	// Parameters returns the trainable variables of the discriminator. Only valid after the model is built.
	Parameters(ctx *context.Context) []*context.Variable

	// InitWeights initializes the variables of the discriminator, after it is built.
	InitWeights(backend backends.Backend, ctx *context.Context) error
}

// gradientsOptimizer is an optimizer that can be driven with gradients computed by the caller.
// The gomlx Adam optimizer implements it.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Config for New. Backend, Context and ExperimentDir are required.
type Config struct {
	Backend backends.Backend

	// Context holds the hyperparameters (see CreateDefaultContext) and will hold all the variables.
	Context *context.Context

	// ImageChannels and ImageSize of the training images. If 0, they are read from the
	// datasource.ParamImageChannels and datasource.ParamImageSize hyperparameters.
	ImageChannels, ImageSize int

	// ExperimentDir is where checkpoints, reconstructed images and the losses history are written.
	ExperimentDir string

	// MoviePath is where the movie of reconstructions is written. Defaults to DefaultMoviePath.
	MoviePath string

	// CheckpointDir, if set, enables full-state gomlx checkpoints (including the optimizers moments),
	// and training continues from it if it already exists.
	CheckpointDir string

	// Discriminator to train. If nil, a discriminator.Model configured from Context is used.
	Discriminator Discriminator

	// Perceptual scorer. If nil, the one named by the ParamPerceptualModel hyperparameter is created.
	// The Trainer owns it: if it implements io.Closer, it is closed by Trainer.Close, or by New on failure.
	Perceptual perceptual.Scorer

	// ProgressBar enables a progress bar per epoch.
	ProgressBar bool

	// Output is where the progress lines are printed. Defaults to os.Stdout.
	Output io.Writer
}

// Trainer trains a Generator against a Discriminator. It is not safe for concurrent use.
type Trainer struct {
	backend       backends.Backend
	ctx           *context.Context
	generator     Generator
	discriminator Discriminator
	perceptual    perceptual.Scorer
	genOptimizer  gradientsOptimizer
	discOptimizer gradientsOptimizer

	imageChannels, imageSize int
	experimentDir            string
	moviePath                string
	output                   io.Writer
	progressBar              bool
	checkpoint               *checkpoints.Handler

	// Hyperparameters.
	discFactor                          float64
	discStart                           int64
	perceptualFactor, recFactor         float64
	ganLossIntoGenerator                bool
	saveEvery, checkpointEvery, gifFPS  int
	learningRate, beta1, beta2, epsilon float64

	stepExec, reconstructExec *context.Exec
	closed                    bool

	// Side effects state.
	sample     *tensors.Tensor
	frames     *visualize.FrameBuffer
	history    *history.History
	numBatches int
}

// New creates a Trainer for generator.
//
// It builds both models, initializes the discriminator weights (unless continuing from a checkpoint), creates
// the perceptual scorer and the two Adam optimizers.
//
// Warning: it deletes the contents of `<ExperimentDir>/reconstructed_imgs`.
//
// The returned Trainer must be closed with Close when no longer needed.
func New(generator Generator, cfg Config) (_ *Trainer, err error) {
	if cfg.Backend == nil || cfg.Context == nil {
		return nil, errors.New("trainer: Config.Backend and Config.Context must be set")
	}
	if cfg.ExperimentDir == "" {
		return nil, errors.New("trainer: Config.ExperimentDir must be set")
	}
	ctx := cfg.Context
	experimentDir, err := fsutil.ReplaceTildeInDir(cfg.ExperimentDir)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		backend:              cfg.Backend,
		ctx:                  ctx,
		generator:            generator,
		discriminator:        cfg.Discriminator,
		perceptual:           cfg.Perceptual,
		imageChannels:        cfg.ImageChannels,
		imageSize:            cfg.ImageSize,
		experimentDir:        experimentDir,
		moviePath:            cfg.MoviePath,
		output:               cfg.Output,
		progressBar:          cfg.ProgressBar,
		discFactor:           context.GetParamOr(ctx, ParamDiscFactor, 1.0),
		discStart:            int64(context.GetParamOr(ctx, ParamDiscStart, 100)),
		perceptualFactor:     context.GetParamOr(ctx, ParamPerceptualLossFactor, 1.0),
		recFactor:            context.GetParamOr(ctx, ParamRecLossFactor, 1.0),
		ganLossIntoGenerator: context.GetParamOr(ctx, ParamGANLossIntoGenerator, true),
		saveEvery:            context.GetParamOr(ctx, ParamSaveEvery, 100),
		checkpointEvery:      context.GetParamOr(ctx, ParamCheckpointEvery, 100),
		gifFPS:               context.GetParamOr(ctx, ParamGIFFPS, visualize.DefaultFPS),
		learningRate:         context.GetParamOr(ctx, optimizers.ParamLearningRate, 2.25e-5),
		beta1:                context.GetParamOr(ctx, optimizers.ParamAdamBeta1, 0.5),
		beta2:                context.GetParamOr(ctx, optimizers.ParamAdamBeta2, 0.9),
		epsilon:              context.GetParamOr(ctx, optimizers.ParamAdamEpsilon, 1e-8),
		frames:               visualize.NewFrameBuffer(),
		history:              history.New(),
		numBatches:           -1,
	}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()
	if t.imageChannels == 0 {
		t.imageChannels = context.GetParamOr(ctx, datasource.ParamImageChannels, 1)
	}
	if t.imageSize == 0 {
		t.imageSize = context.GetParamOr(ctx, datasource.ParamImageSize, 28)
	}
	if t.moviePath == "" {
		t.moviePath = DefaultMoviePath
	}
	if t.output == nil {
		t.output = os.Stdout
	}
	if t.saveEvery <= 0 || t.checkpointEvery <= 0 || t.gifFPS <= 0 {
		return nil, errors.Errorf("trainer: %q (%d), %q (%d) and %q (%d) must be > 0",
			ParamSaveEvery, t.saveEvery, ParamCheckpointEvery, t.checkpointEvery, ParamGIFFPS, t.gifFPS)
	}
	if t.discriminator == nil {
		t.discriminator = discriminator.New(discriminator.NewConfig(ctx))
	}

	if err = t.prepareExperimentDir(); err != nil {
		return nil, err
	}
	if cfg.CheckpointDir != "" {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		t.checkpoint, err = checkpoints.Build(ctx).Dir(cfg.CheckpointDir).Keep(numCheckpoints).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "trainer: failed to prepare checkpoint directory %q", cfg.CheckpointDir)
		}
	}
	continuing := optimizers.GetGlobalStep(ctx) > 0

	if err = t.buildModels(); err != nil {
		return nil, err
	}
	if continuing {
		klog.Infof("trainer: continuing from global step %d, discriminator weights kept", optimizers.GetGlobalStep(ctx))
	} else if err = t.discriminator.InitWeights(t.backend, ctx); err != nil {
		return nil, errors.WithMessage(err, "trainer: failed to initialize the discriminator")
	}
	if t.perceptual == nil {
		t.perceptual, err = perceptual.New(ctx, context.GetParamOr(ctx, ParamPerceptualModel, perceptual.NamePyramid))
		if err != nil {
			return nil, errors.WithMessage(err, "trainer: failed to create perceptual scorer")
		}
	}

	var ok bool
	adam := func(scope string) optimizers.Interface {
		return optimizers.Adam().
			Scope(scope).
			LearningRate(t.learningRate).
			Betas(t.beta1, t.beta2).
			Epsilon(t.epsilon).
			Done()
	}
	if t.genOptimizer, ok = adam("generator_adam").(gradientsOptimizer); !ok {
		return nil, errors.New("trainer: Adam optimizer doesn't support updates from gradients")
	}
	t.discOptimizer = adam("discriminator_adam").(gradientsOptimizer)

	// From here on, all the model variables exist.
	reuseCtx := ctx.Reuse()
	t.stepExec, err = context.NewExec(t.backend, reuseCtx, t.stepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "trainer: failed to create training step")
	}
	t.reconstructExec, err = context.NewExec(t.backend, reuseCtx, func(ctx *context.Context, images *Node) *Node {
		decoded, _, _ := t.generator.Forward(ctx, images)
		return decoded
	})
	if err != nil {
		return nil, errors.WithMessage(err, "trainer: failed to create reconstruction")
	}
	if err = t.writeRunInfo(); err != nil {
		return nil, err
	}
	return t, nil
}

// Close releases the resources held by the perceptual scorer, if any. It is safe to call more than once.
func (t *Trainer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if closer, ok := t.perceptual.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return errors.Wrapf(err, "trainer: failed to close perceptual scorer %q", t.perceptual.Name())
		}
	}
	return nil
}

// prepareExperimentDir creates the experiment directory, and recreates an empty reconstructed images directory.
func (t *Trainer) prepareExperimentDir() error {
	imgsDir := filepath.Join(t.experimentDir, ReconstructedImagesDir)
	if err := os.RemoveAll(imgsDir); err != nil {
		return errors.Wrapf(err, "trainer: failed to clear %q", imgsDir)
	}
	if err := os.MkdirAll(imgsDir, 0o755); err != nil {
		return errors.Wrapf(err, "trainer: failed to create %q", imgsDir)
	}
	klog.V(1).Infof("trainer: cleared %q", imgsDir)
	return nil
}

// buildModels creates the variables of the generator and of the discriminator, by running them once on a
// batch of zeros.
func (t *Trainer) buildModels() error {
	err := exceptions.TryCatch[error](func() {
		shape := shapes.Make(dtypes.Float32, 2, t.imageChannels, t.imageSize, t.imageSize)
		output := context.MustExecOnce(t.backend, t.ctx, func(ctx *context.Context, g *Graph) *Node {
			images := Zeros(g, shape)
			decoded, _, quantLoss := t.generator.Forward(ctx, images)
			scores := t.discriminator.Forward(ctx, decoded)
			return Add(Add(ReduceAllSum(decoded), ReduceAllSum(scores)), quantLoss)
		})
		output.MustFinalizeAll()
	})
	if err != nil {
		return errors.WithMessage(err, "trainer: failed to build generator and discriminator")
	}
	return nil
}

// Context returns the context with the hyperparameters and variables of the trainer.
func (t *Trainer) Context() *context.Context { return t.ctx }

// GlobalStep returns the number of training steps executed so far.
func (t *Trainer) GlobalStep() int64 { return optimizers.GetGlobalStep(t.ctx) }

// Sample returns the sample batch used for the movie of reconstructions, or nil if not captured yet.
func (t *Trainer) Sample() *tensors.Tensor { return t.sample }

// History returns the losses recorded at each visualization.
func (t *Trainer) History() *history.History { return t.history }

// Frames returns the frames of the movie of reconstructions.
func (t *Trainer) Frames() *visualize.FrameBuffer { return t.frames }

// TrainStep runs one optimization step of both the generator and the discriminator on the batch of images,
// shaped `[batch_size, channels, height, width]`.
//
// It returns the reconstructed images, the generator (VQ) loss and the discriminator loss.
// The global step is incremented by one.
func (t *Trainer) TrainStep(batch *tensors.Tensor) (reconstructed *tensors.Tensor, vqLoss, discLoss float64, err error) {
	outputs, err := t.stepExec.Exec(batch)
	if err != nil {
		return nil, 0, 0, errors.WithMessage(err, "trainer: training step failed")
	}
	reconstructed = outputs[0]
	vqLoss = float64(tensors.ToScalar[float32](outputs[1]))
	discLoss = float64(tensors.ToScalar[float32](outputs[2]))
	outputs[1].MustFinalizeAll()
	outputs[2].MustFinalizeAll()
	return
}

// Reconstruct runs the generator on the images, without training.
func (t *Trainer) Reconstruct(images *tensors.Tensor) (*tensors.Tensor, error) {
	outputs, err := t.reconstructExec.Exec(images)
	if err != nil {
		return nil, errors.WithMessage(err, "trainer: reconstruction failed")
	}
	return outputs[0], nil
}

// stepGraph builds the joint training step: it returns the reconstructed images, the VQ loss and the
// discriminator loss, and updates all variables.
func (t *Trainer) stepGraph(ctx *context.Context, images *Node) []*Node {
	g := images.Graph()
	ctx.SetTraining(g, true)

	// Gate reads the global step before this step's increment.
	globalStepVar := optimizers.GetGlobalStepVar(ctx)
	gate := t.generator.AdoptWeight(t.discFactor, globalStepVar.ValueGraph(g), t.discStart)

	decoded, _, quantLoss := t.generator.Forward(ctx, images)
	dtype := decoded.DType()
	gate = ConvertDType(gate, dtype)

	perceptualDistance := t.perceptual.Distance(ctx, images, decoded)
	recDistance := Abs(Sub(images, decoded))
	recPerceptualLoss := ReduceAllMean(Add(
		MulScalar(perceptualDistance, t.perceptualFactor),
		MulScalar(recDistance, t.recFactor)))

	discReal := t.discriminator.Forward(ctx, images)
	discFake := t.discriminator.Forward(ctx, decoded)
	ganLoss := Neg(ReduceAllMean(discFake))
	lambda := ConvertDType(t.generator.CalculateLambda(ctx, recPerceptualLoss, ganLoss), dtype)
	vqLoss := Add(Add(recPerceptualLoss, ConvertDType(quantLoss, dtype)), Mul(Mul(gate, lambda), ganLoss))

	realHinge := ReduceAllMean(activations.Relu(OneMinus(discReal)))
	fakeHinge := ReduceAllMean(activations.Relu(AddScalar(discFake, 1)))
	discLoss := MulScalar(Mul(gate, Add(realHinge, fakeHinge)), 0.5)

	// All gradients are computed before any variable is updated.
	genVars := variablesInUse(ctx, g, t.generator.Parameters(ctx))
	discVars := variablesInUse(ctx, g, t.discriminator.Parameters(ctx))
	genNodes := valuesGraph(genVars, g)
	discNodes := valuesGraph(discVars, g)
	genGrads := Gradient(vqLoss, genNodes...)
	discLossGrads := Gradient(discLoss, append(append([]*Node{}, genNodes...), discNodes...)...)
	if t.ganLossIntoGenerator {
		for ii := range genGrads {
			genGrads[ii] = Add(genGrads[ii], discLossGrads[ii])
		}
	}
	discGrads := discLossGrads[len(genNodes):]

	applyGradients(ctx.InAbsPath(generatorOptimizerScope), g, t.genOptimizer, genVars, genGrads, dtype)
	applyGradients(ctx.InAbsPath(discriminatorOptimizerScope), g, t.discOptimizer, discVars, discGrads, dtype)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)
	return []*Node{decoded, vqLoss, discLoss}
}

// variablesInUse returns the trainable variables of params used by graph g, in the context's order of
// variables, the same order optimizers enumerate them.
func variablesInUse(ctx *context.Context, g *Graph, params []*context.Variable) []*context.Variable {
	wanted := make(map[*context.Variable]bool, len(params))
	for _, v := range params {
		wanted[v] = true
	}
	var inUse []*context.Variable
	for v := range ctx.IterVariables() {
		if wanted[v] && v.Trainable && v.InUseByGraph(g) {
			inUse = append(inUse, v)
		}
	}
	return inUse
}

func valuesGraph(vars []*context.Variable, g *Graph) []*Node {
	nodes := make([]*Node, len(vars))
	for ii, v := range vars {
		nodes[ii] = v.ValueGraph(g)
	}
	return nodes
}

// applyGradients updates vars with grads using opt. Other trainable variables used by the graph are
// temporarily marked as non-trainable, so the optimizer only sees vars.
func applyGradients(ctx *context.Context, g *Graph, opt gradientsOptimizer, vars []*context.Variable,
	grads []*Node, dtype dtypes.DType) {
	if len(vars) == 0 {
		return
	}
	target := make(map[*context.Variable]bool, len(vars))
	for _, v := range vars {
		target[v] = true
	}
	var frozen []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) && !target[v] {
			v.SetTrainable(false)
			frozen = append(frozen, v)
		}
	}
	defer func() {
		for _, v := range frozen {
			v.SetTrainable(true)
		}
	}()
	opt.UpdateGraphWithGradients(ctx, grads, dtype)
}

// RunInfo is the metadata of a training run, written to RunInfoFileName.
type RunInfo struct {
	RunID           string         `json:"run_id"`
	StartTime       time.Time      `json:"start_time"`
	Backend         string         `json:"backend"`
	Perceptual      string         `json:"perceptual"`
	Hyperparameters map[string]any `json:"hyperparameters"`
}

func (t *Trainer) writeRunInfo() error {
	info := RunInfo{
		RunID:           uuid.NewString(),
		StartTime:       time.Now(),
		Backend:         t.backend.Name(),
		Perceptual:      t.perceptual.Name(),
		Hyperparameters: make(map[string]any),
	}
	t.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			key = fmt.Sprintf("%s%s%s", scope, context.ScopeSeparator, key)
		}
		info.Hyperparameters[key] = value
	})
	contents, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "trainer: failed to encode run information")
	}
	infoPath := filepath.Join(t.experimentDir, RunInfoFileName)
	if err = os.WriteFile(infoPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "trainer: failed to write %q", infoPath)
	}
	klog.V(1).Infof("trainer: run %s, metadata in %q", info.RunID, infoPath)
	return nil
}

// ReadRunInfo reads the RunInfoFileName file of an experiment directory.
func ReadRunInfo(experimentDir string) (*RunInfo, error) {
	infoPath := filepath.Join(experimentDir, RunInfoFileName)
	contents, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, errors.Wrapf(err, "trainer: failed to read %q", infoPath)
	}
	info := &RunInfo{}
	if err = json.Unmarshal(contents, info); err != nil {
		return nil, errors.Wrapf(err, "trainer: failed to parse %q", infoPath)
	}
	return info, nil
}
