// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package history records the training losses at each visualization step, and saves them as a CSV table
// (using Gota data frames) and an SVG plot (using Margaid).
package history

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	mg "github.com/erkkah/margaid"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

const (
	// CSVFileName is the name of the file written by History.Save.
	CSVFileName = "losses.csv"

	// SVGFileName is the name of the plot written by History.Save.
	SVGFileName = "losses.svg"

	ColGlobalStep = "global_step"
	ColEpoch      = "epoch"
	ColBatch      = "batch"
	ColVQLoss     = "vq_loss"
	ColDiscLoss   = "disc_loss"

	// DefaultPlotWidth and DefaultPlotHeight of the SVG plot.
	DefaultPlotWidth  = 1024
	DefaultPlotHeight = 400
)

// columnTypes of the CSV file.
var columnTypes = map[string]series.Type{
	ColGlobalStep: series.Int,
	ColEpoch:      series.Int,
	ColBatch:      series.Int,
	ColVQLoss:     series.Float,
	ColDiscLoss:   series.Float,
}

// Point is one measurement of the losses.
type Point struct {
	GlobalStep       int64
	Epoch, Batch     int
	VQLoss, DiscLoss float64
}

// History is an ordered list of loss measurements. It is not safe for concurrent use.
type History struct {
	points []Point
}

// New creates an empty History.
func New() *History {
	return &History{}
}

// Add appends a point.
func (h *History) Add(p Point) {
	h.points = append(h.points, p)
}

// Len returns the number of points recorded.
func (h *History) Len() int { return len(h.points) }

// Points returns the points recorded so far. The returned slice must not be modified.
func (h *History) Points() []Point { return h.points }

// DataFrame returns the points as a table with the columns ColGlobalStep, ColEpoch, ColBatch, ColVQLoss and
// ColDiscLoss.
func (h *History) DataFrame() dataframe.DataFrame {
	n := len(h.points)
	steps, epochs, batches := make([]int, n), make([]int, n), make([]int, n)
	vqLosses, discLosses := make([]float64, n), make([]float64, n)
	for ii, p := range h.points {
		steps[ii] = int(p.GlobalStep)
		epochs[ii] = p.Epoch
		batches[ii] = p.Batch
		vqLosses[ii] = p.VQLoss
		discLosses[ii] = p.DiscLoss
	}
	return dataframe.New(
		series.New(steps, series.Int, ColGlobalStep),
		series.New(epochs, series.Int, ColEpoch),
		series.New(batches, series.Int, ColBatch),
		series.New(vqLosses, series.Float, ColVQLoss),
		series.New(discLosses, series.Float, ColDiscLoss),
	)
}

// FromDataFrame creates a History from a table with the columns written by DataFrame.
func FromDataFrame(df dataframe.DataFrame) (*History, error) {
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "history: invalid data frame")
	}
	for name := range columnTypes {
		if !slices.Contains(df.Names(), name) {
			return nil, errors.Errorf("history: column %q missing, got columns %v", name, df.Names())
		}
	}
	steps, err := df.Col(ColGlobalStep).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "history: column %q", ColGlobalStep)
	}
	epochs, err := df.Col(ColEpoch).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "history: column %q", ColEpoch)
	}
	batches, err := df.Col(ColBatch).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "history: column %q", ColBatch)
	}
	vqLosses := df.Col(ColVQLoss).Float()
	discLosses := df.Col(ColDiscLoss).Float()
	h := &History{points: make([]Point, df.Nrow())}
	for ii := range h.points {
		h.points[ii] = Point{
			GlobalStep: int64(steps[ii]),
			Epoch:      epochs[ii],
			Batch:      batches[ii],
			VQLoss:     vqLosses[ii],
			DiscLoss:   discLosses[ii],
		}
	}
	return h, nil
}

// WriteCSV writes the points to filePath.
func (h *History) WriteCSV(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "history: failed to create %q", filePath)
	}
	if err = h.DataFrame().WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "history: failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "history: failed to close %q", filePath)
}

// ReadCSV reads a History written by WriteCSV.
func ReadCSV(filePath string) (*History, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "history: failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.WithTypes(columnTypes))
	h, err := FromDataFrame(df)
	if err != nil {
		return nil, errors.WithMessagef(err, "history: reading %q", filePath)
	}
	return h, nil
}

// PlotSVG returns an SVG plot of both losses as a function of the global step.
func (h *History) PlotSVG(width, height int) (string, error) {
	if len(h.points) == 0 {
		return "", errors.New("history: no points to plot")
	}
	vqSeries := mg.NewSeries(mg.Titled("VQ Loss"))
	discSeries := mg.NewSeries(mg.Titled("Discriminator Loss"))
	allPoints := mg.NewSeries()
	for _, p := range h.points {
		step := float64(p.GlobalStep)
		vqSeries.Add(mg.MakeValue(step, p.VQLoss))
		discSeries.Add(mg.MakeValue(step, p.DiscLoss))
		allPoints.Add(mg.MakeValue(step, p.VQLoss), mg.MakeValue(step, p.DiscLoss))
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allPoints),
		mg.WithAutorange(mg.YAxis, allPoints),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range []*mg.Series{vqSeries, discSeries} {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Global Step")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "Loss")
	diagram.Frame()
	diagram.Title(fmt.Sprintf("Losses (%d points)", len(h.points)))
	diagram.Legend(mg.BottomLeft)
	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return "", errors.Wrap(err, "history: failed to render plot")
	}
	return buf.String(), nil
}

// Save writes CSVFileName and SVGFileName to dir. The plot is skipped if there are no points.
func (h *History) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "history: failed to create %q", dir)
	}
	if err := h.WriteCSV(filepath.Join(dir, CSVFileName)); err != nil {
		return err
	}
	if len(h.points) == 0 {
		return nil
	}
	svg, err := h.PlotSVG(DefaultPlotWidth, DefaultPlotHeight)
	if err != nil {
		return err
	}
	svgPath := filepath.Join(dir, SVGFileName)
	if err = os.WriteFile(svgPath, []byte(svg), 0o644); err != nil {
		return errors.Wrapf(err, "history: failed to write %q", svgPath)
	}
	return nil
}
