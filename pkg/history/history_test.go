// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSV(t *testing.T) {
	h := New()
	h.Add(Point{GlobalStep: 1, Epoch: 0, Batch: 0, VQLoss: 1.5, DiscLoss: 0})
	h.Add(Point{GlobalStep: 101, Epoch: 0, Batch: 100, VQLoss: 0.75, DiscLoss: 0.25})
	h.Add(Point{GlobalStep: 201, Epoch: 1, Batch: 0, VQLoss: 0.5, DiscLoss: 1.125})
	require.Equal(t, 3, h.Len())
	require.Equal(t, 3, h.DataFrame().Nrow())

	dir := t.TempDir()
	require.NoError(t, h.Save(dir))
	contents, err := os.ReadFile(filepath.Join(dir, CSVFileName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(contents), "global_step,epoch,batch,vq_loss,disc_loss\n"),
		"got CSV %q", contents)

	loaded, err := ReadCSV(filepath.Join(dir, CSVFileName))
	require.NoError(t, err)
	assert.Equal(t, h.Points(), loaded.Points())

	svg, err := os.ReadFile(filepath.Join(dir, SVGFileName))
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "VQ Loss")
}

func TestErrors(t *testing.T) {
	_, err := New().PlotSVG(DefaultPlotWidth, DefaultPlotHeight)
	require.Error(t, err)

	_, err = ReadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)

	badPath := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(badPath, []byte("global_step,epoch\n1,0\n"), 0o644))
	_, err = ReadCSV(badPath)
	require.Error(t, err, "columns are missing")
}
