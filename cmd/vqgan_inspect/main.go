// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vqgan_inspect reports on the outputs of a vqgan_train experiment directory: the run metadata, the generator
// parameters of a checkpoint and the losses history.
//
// Usage:
//
//	vqgan_inspect [-summary] [-params] [-vars] [-losses] [-plot] <experiment_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vqgan/pkg/history"
	"github.com/gomlx/vqgan/pkg/trainer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the run and of the generator checkpoint.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters of the run.")
	flagVars    = flag.Bool("vars", false, "Lists the generator parameters of the checkpoint.")
	flagLosses  = flag.Bool("losses", false, fmt.Sprintf("Lists the losses recorded in %q.", history.CSVFileName))
	flagPlot    = flag.Bool("plot", false, "Plots the losses to an HTML file.")
	flagEpoch   = flag.Int("epoch", -1, "Epoch of the generator checkpoint to inspect. If < 0, the latest one.")

	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of abbreviations.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one experiment directory to read from. See 'vqgan_inspect -help'")
		os.Exit(1)
	}
	report(args[0])
}

func report(experimentDir string) {
	var checkpointPath string
	if *flagSummary || *flagVars {
		var err error
		checkpointPath, err = findCheckpoint(experimentDir, *flagEpoch)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
	}
	if *flagSummary || *flagParams {
		info := must.M1(trainer.ReadRunInfo(experimentDir))
		if *flagSummary {
			Summary(info, checkpointPath)
		}
		if *flagParams {
			ListHyperparameters(info)
		}
	}
	if *flagVars {
		params := must.M1(trainer.LoadGeneratorCheckpoint(checkpointPath))
		ListParameters(params)
	}
	if *flagLosses || *flagPlot {
		h := must.M1(history.ReadCSV(filepath.Join(experimentDir, history.CSVFileName)))
		if h.Len() == 0 {
			klog.Errorf("No losses recorded in %q", experimentDir)
			return
		}
		if *flagLosses {
			ListLosses(h)
		}
		if *flagPlot {
			plotPath := must.M1(BuildPlots(h))
			fmt.Printf("\nPlots written to:\t%s\n\n", plotPath)
		}
	}
}

var checkpointFileRegexp = regexp.MustCompile(`^vqgan_epoch_(\d+)\.pt$`)

// findCheckpoint returns the path of the generator checkpoint of the given epoch, or of the latest epoch if epoch < 0.
func findCheckpoint(experimentDir string, epoch int) (string, error) {
	entries, err := os.ReadDir(experimentDir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list experiment directory %q", experimentDir)
	}
	latest := -1
	for _, entry := range entries {
		matches := checkpointFileRegexp.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		e, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if e == epoch {
			return filepath.Join(experimentDir, entry.Name()), nil
		}
		latest = max(latest, e)
	}
	if epoch >= 0 {
		return "", errors.Errorf("no checkpoint for epoch %d in %q", epoch, experimentDir)
	}
	if latest < 0 {
		return "", errors.Errorf("no generator checkpoint found in %q", experimentDir)
	}
	return filepath.Join(experimentDir, fmt.Sprintf("vqgan_epoch_%d.pt", latest)), nil
}

// fileSize returns the humanized size of a file, or "?" if it can't be read.
func fileSize(filePath string) string {
	stat, err := os.Stat(filePath)
	if err != nil {
		return "?"
	}
	return humanize.IBytes(uint64(stat.Size()))
}
