// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vqgan_train trains a VQGAN on MNIST or on a folder of images.
//
// Hyperparameters are set with -set, e.g.: -set="batch_size=32;disc_start=1000;dataset=folder".
// See trainer.CreateDefaultContext for the full list.
//
// Outputs (in -experiment): reconstructed_imgs/epoch-<e>_step-<i>.jpg grids, vqgan_epoch_<e>.pt generator
// checkpoints, losses.csv and losses.svg with the losses history and run.json with the run metadata. The movie of
// reconstructions is written to -movie.
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/vqgan/pkg/datasource"
	"github.com/gomlx/vqgan/pkg/trainer"
	"github.com/gomlx/vqgan/pkg/vqgan"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "data", "Directory MNIST is downloaded to, or directory of images for -set=\"dataset=folder\".")
	flagExperiment = flag.String("experiment", "results", "Directory where checkpoints, reconstructed images and losses are saved.")
	flagMovie      = flag.String("movie", trainer.DefaultMoviePath, "Path of the movie (GIF) of reconstructions of a fixed sample.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save full-state checkpoints to, and to continue training from. "+
		"If left empty, only the generator checkpoints in -experiment are saved.")
	flagRestore  = flag.String("restore", "", "Generator checkpoint (.pt file) to initialize the generator from.")
	flagEpochs   = flag.Int("epochs", 100, "Number of epochs to train.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar per epoch.")
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	fmt.Println(hyperparametersTable(ctx, paramsSet))

	backend, err := backends.New()
	if err != nil {
		klog.Fatalf("Failed to create backend: %+v", err)
	}
	klog.Infof("Backend: %s", backend.Name())

	dsConfig := datasource.ConfigFromContext(ctx, *flagDataDir)
	ds, err := datasource.Load(backend, dsConfig)
	if err != nil {
		klog.Fatalf("Failed to load dataset: %+v", err)
	}

	generator := vqgan.New(vqgan.NewConfig(ctx, dsConfig.ImageChannels))
	klog.V(1).Infof("Generator: %s", generator.Config())
	t, err := trainer.New(generator, trainer.Config{
		Backend:       backend,
		Context:       ctx,
		ImageChannels: dsConfig.ImageChannels,
		ImageSize:     dsConfig.ImageSize,
		ExperimentDir: *flagExperiment,
		MoviePath:     *flagMovie,
		CheckpointDir: *flagCheckpoint,
		ProgressBar:   *flagProgress,
	})
	if err != nil {
		klog.Fatalf("Failed to create trainer: %+v", err)
	}
	defer func() {
		if err := t.Close(); err != nil {
			klog.Errorf("Failed to close trainer: %+v", err)
		}
	}()
	if *flagRestore != "" {
		must.M(t.RestoreGenerator(*flagRestore))
		klog.Infof("Generator restored from %q", *flagRestore)
	}

	runCtx, stop := signal.NotifyContext(gocontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = t.Run(runCtx, *flagEpochs, ds); err != nil {
		klog.Fatalf("Training failed at global step %d: %+v", t.GlobalStep(), err)
	}
	klog.Infof("Training finished at global step %d", t.GlobalStep())
}

var (
	headerRowStyle   = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	defaultRowStyle  = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
	modifiedRowStyle = lipgloss.NewStyle().Bold(true).PaddingLeft(1).PaddingRight(1)
)

// hyperparametersTable renders all hyperparameters of ctx, with the ones set in the command line in bold.
func hyperparametersTable(ctx *context.Context, paramsSet []string) string {
	var rows [][]string
	var modified []bool
	ctx.EnumerateParams(func(scope, key string, value any) {
		path := key
		if scope != context.RootScope {
			path = scope + context.ScopeSeparator + key
		}
		rows = append(rows, []string{path, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
		modified = append(modified, slices.Contains(paramsSet, path) || slices.Contains(paramsSet, key))
	})
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Hyperparameter", "Type", "Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case modified[row]:
				return modifiedRowStyle
			}
			return defaultRowStyle
		})
	return table.Render()
}
