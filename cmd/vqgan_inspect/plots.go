// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"os"

	"github.com/gomlx/vqgan/pkg/history"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

// lossesFigure plots the VQ loss and the discriminator loss against the global step.
func lossesFigure(h *history.History) *grob.Fig {
	points := h.Points()
	steps := make([]float64, len(points))
	vqLosses := make([]float64, len(points))
	discLosses := make([]float64, len(points))
	for ii, p := range points {
		steps[ii] = float64(p.GlobalStep)
		vqLosses[ii] = p.VQLoss
		discLosses[ii] = p.DiscLoss
	}
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S("Losses"),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
			},
			Legend: &grob.LayoutLegend{},
		},
	}
	for _, line := range []struct {
		name   string
		values []float64
	}{{"VQ Loss", vqLosses}, {"Discriminator Loss", discLosses}} {
		fig.Data = append(fig.Data, &grob.Scatter{
			Name: ptypes.S(line.name),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines+markers",
			X:    ptypes.DataArray(steps),
			Y:    ptypes.DataArray(line.values),
		})
	}
	return fig
}

// BuildPlots writes the losses plot to a temporary HTML file, and returns its path.
func BuildPlots(h *history.History) (string, error) {
	figAsJSON, err := json.Marshal(lossesFigure(h))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plotly figure of the losses")
	}
	tmpFile, err := os.CreateTemp("", "vqgan-losses-*.html")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary file for the plots")
	}
	_ = tmpFile.Close()
	if err = PlotlyToHTMLFile(tmpFile.Name(), figAsJSON); err != nil {
		return "", err
	}
	return tmpFile.Name(), nil
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body style="background-color: black;">
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page.
func WritePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN: plotly.PlotlySrc,
	}
	for _, fig := range figuresAsJSON {
		data.Figures = append(data.Figures, base64.StdEncoding.EncodeToString(fig))
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// PlotlyToHTMLFile renders the Plotly figures (given as JSON) to an HTML file.
func PlotlyToHTMLFile(fileName string, figuresAsJSON ...[]byte) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = WritePlotlyAsHTML(f, figuresAsJSON...); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %q", fileName)
}
