// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vqgan/pkg/trainer"
	"github.com/janpfeifer/must"
)

// Summary of the run and of the generator checkpoint.
func Summary(info *trainer.RunInfo, checkpointPath string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("run_id", info.RunID)
	table.Row("start_time", info.StartTime.Format("2006-01-02 15:04:05"))
	table.Row("backend", info.Backend)
	table.Row("perceptual", info.Perceptual)
	table.Row("checkpoint", checkpointPath)
	table.Row("checkpoint size", fileSize(checkpointPath))

	params := must.M1(trainer.LoadGeneratorCheckpoint(checkpointPath))
	var totalSize int
	var totalMemory uintptr
	for _, p := range params {
		totalSize += p.Value.Shape().Size()
		totalMemory += p.Value.Shape().Memory()
	}
	table.Row("# variables", humanize.Comma(int64(len(params))))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.IBytes(uint64(totalMemory)))
	fmt.Println(table.Render())
}

// ListHyperparameters of the run, sorted by name.
func ListHyperparameters(info *trainer.RunInfo) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newPlainTable(lipgloss.Left)
	table.Headers("Name", "Value")
	names := make([]string, 0, len(info.Hyperparameters))
	for name := range info.Hyperparameters {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		table.Row(name, fmt.Sprintf("%v", info.Hyperparameters[name]))
	}
	fmt.Println(table.Render())
}
