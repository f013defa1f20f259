// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/vqgan/pkg/history"
	"github.com/gomlx/vqgan/pkg/trainer"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindCheckpoint(t *testing.T) {
	dir := t.TempDir()
	_, err := findCheckpoint(dir, -1)
	require.Error(t, err)

	for _, name := range []string{"vqgan_epoch_2.pt", "vqgan_epoch_10.pt", "vqgan_epoch_x.pt", "losses.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	got, err := findCheckpoint(dir, -1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vqgan_epoch_10.pt"), got)

	got, err = findCheckpoint(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vqgan_epoch_2.pt"), got)

	_, err = findCheckpoint(dir, 3)
	require.Error(t, err)
}

func TestParameterRows(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	params := []trainer.GeneratorParameter{
		{ScopeAndName: "/vqgan/decoder/weights", Value: tensors.FromValue([][]float32{{1, -1}, {3, -3}})},
		{ScopeAndName: "/vqgan/codebook/scale", Value: tensors.FromValue([]float32{5})},
	}
	rows, err := parameterRows(backend, params)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Sorted by scope and name.
	assert.Equal(t, "/vqgan/codebook/scale", rows[0][0])
	assert.Equal(t, "1", rows[0][2])
	assert.Contains(t, rows[0][4], "5")
	assert.Equal(t, "", rows[0][5])

	assert.Equal(t, "/vqgan/decoder/weights", rows[1][0])
	assert.Equal(t, "4", rows[1][2])
	assert.Equal(t, "16 B", rows[1][3])
	assert.Equal(t, []string{"2", "2.24", "3"}, rows[1][4:])
}

func TestLossesRows(t *testing.T) {
	h := history.New()
	h.Add(history.Point{GlobalStep: 1, Epoch: 0, Batch: 0, VQLoss: 0.5, DiscLoss: 0})
	h.Add(history.Point{GlobalStep: 1001, Epoch: 1, Batch: 100, VQLoss: 0.25, DiscLoss: 1})
	rows := lossesRows(h)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "1", "0", "0.5000", "0.0000"}, rows[0])
	assert.Equal(t, []string{"1,001", "2", "100", "0.2500", "1.0000"}, rows[1])
}

func TestWritePlotlyAsHTML(t *testing.T) {
	h := history.New()
	h.Add(history.Point{GlobalStep: 1, VQLoss: 0.5})
	h.Add(history.Point{GlobalStep: 2, VQLoss: 0.25, DiscLoss: 1})
	plotPath, err := BuildPlots(h)
	require.NoError(t, err)
	defer func() { _ = os.Remove(plotPath) }()
	contents, err := os.ReadFile(plotPath)
	require.NoError(t, err)
	html := string(contents)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, plotly.PlotlySrc)
	assert.Contains(t, html, `<div id="plot0"></div>`)

	var buf bytes.Buffer
	require.NoError(t, WritePlotlyAsHTML(&buf))
	assert.NotContains(t, buf.String(), "plot0")
}
