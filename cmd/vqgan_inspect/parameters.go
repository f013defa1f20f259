// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/vqgan/pkg/trainer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ListParameters of a generator checkpoint, with their shape, MAV (mean absolute value), RMS (root-mean-square)
// and MaxAV (max absolute value).
func ListParameters(params []trainer.GeneratorParameter) {
	fmt.Println(titleStyle.Render("Generator parameters"))
	backend := must.M1(backends.New())
	defer backend.Finalize()
	rows := must.M1(parameterRows(backend, params))
	table := newPlainTable()
	table.Headers("Scope and Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// parameterRows returns one row per parameter, sorted by scope and name.
func parameterRows(backend backends.Backend, params []trainer.GeneratorParameter) ([][]string, error) {
	metricsExec, err := NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return nil, err
	}
	defer metricsExec.Finalize()
	metricsExec.SetMaxCache(-1)

	rows := make([][]string, 0, len(params))
	for _, p := range params {
		shape := p.Value.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", p.Value.Value())
		} else if shape.DType.IsFloat() {
			mavT, rmsT, maxAVT, err := metricsExec.Exec3(p.Value)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to compute statistics of %q", p.ScopeAndName)
			}
			mav = fmt.Sprintf("%.3g", tensors.ToScalar[float64](mavT))
			rms = fmt.Sprintf("%.3g", tensors.ToScalar[float64](rmsT))
			maxAV = fmt.Sprintf("%.3g", tensors.ToScalar[float64](maxAVT))
		}
		rows = append(rows, []string{
			p.ScopeAndName, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.IBytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return rows, nil
}
