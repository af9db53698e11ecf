// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots draws the curves of a training run (FID and KID from the metrics log, or any metric
// recorded by the tracker) in three formats:
//
//   - WriteSVG: a static SVG, using margaid.
//   - WriteHTML: an interactive HTML page with one plotly figure per metric type.
//   - SavePNG: a PNG image, using gonum/plot.
package plots

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"math"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	mg "github.com/erkkah/margaid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker/sqlitesink"
	"github.com/gomlx/kdiffusion/pkg/support/xslices"
)

// Series is one curve: the values of a metric at each step.
type Series struct {
	// Name of the curve, shown in the legend.
	Name string

	// MetricType groups series drawn in the same plot, e.g. "fid".
	MetricType string

	Steps, Values []float64
}

// Add a point to the series. Non-finite values are dropped.
func (s *Series) Add(step, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	s.Steps = append(s.Steps, step)
	s.Values = append(s.Values, value)
}

// Len returns the number of points.
func (s *Series) Len() int { return len(s.Steps) }

// FromMetricsLog returns the FID and KID series of the rows of a metrics log, prefixing their names with prefix.
func FromMetricsLog(prefix string, rows []metricslog.Row) []*Series {
	fid := &Series{Name: prefix + "FID", MetricType: metricslog.ColumnFID}
	kid := &Series{Name: prefix + "KID", MetricType: metricslog.ColumnKID}
	for _, row := range rows {
		fid.Add(float64(row.Step), row.FID)
		kid.Add(float64(row.Step), row.KID)
	}
	return []*Series{fid, kid}
}

// FromTracker returns the series of a metric recorded by a SQLite tracker sink. The metric type is its key.
func FromTracker(name, key string, points []sqlitesink.Point) *Series {
	s := &Series{Name: name, MetricType: key}
	for _, p := range points {
		s.Add(float64(p.Step), p.Value)
	}
	return s
}

// ByMetricType groups the non-empty series by metric type.
func ByMetricType(series []*Series) map[string][]*Series {
	groups := make(map[string][]*Series)
	for _, s := range series {
		if s.Len() == 0 {
			continue
		}
		groups[s.MetricType] = append(groups[s.MetricType], s)
	}
	return groups
}

// WriteSVG draws the series, all of the same metric type, in one SVG plot.
func WriteSVG(w io.Writer, width, height int, metricType string, series []*Series) error {
	if len(series) == 0 {
		return errors.Errorf("no series to plot for %q", metricType)
	}
	allPoints := mg.NewSeries()
	mgSeries := make([]*mg.Series, 0, len(series))
	for _, s := range series {
		ms := mg.NewSeries(mg.Titled(s.Name))
		for ii, step := range s.Steps {
			value := mg.MakeValue(step, s.Values[ii])
			ms.Add(value)
			allPoints.Add(value)
		}
		mgSeries = append(mgSeries, ms)
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, mgSeries...),
		mg.WithProjection(mg.XAxis, mg.Lin),
		mg.WithAutorange(mg.YAxis, mgSeries...),
		mg.WithProjection(mg.YAxis, mg.Lin),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range mgSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, metricType)
	diagram.Frame()
	diagram.Title(metricType)
	diagram.Legend(mg.BottomLeft)
	return errors.Wrapf(diagram.Render(w), "failed to render plot for %q", metricType)
}

// PlotlySrc is the URL of the plotly.js library used by WriteHTML.
var PlotlySrc = "https://cdn.plot.ly/plotly-2.34.0.min.js"

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
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

// Figure returns the plotly figure of the series, all of the same metric type.
func Figure(metricType string, series []*Series) *grob.Fig {
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(metricType),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
			},
		},
	}
	for _, s := range series {
		fig.Data = append(fig.Data, &grob.Scatter{
			Name: ptypes.S(s.Name),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines+markers",
			X:    ptypes.DataArray(s.Steps),
			Y:    ptypes.DataArray(s.Values),
		})
	}
	return fig
}

// WriteHTML writes an HTML page with one interactive plotly figure per metric type, sorted by metric type.
func WriteHTML(w io.Writer, series []*Series) error {
	groups := ByMetricType(series)
	if len(groups) == 0 {
		return errors.New("no series to plot")
	}
	var figures []string
	for _, metricType := range xslices.SortedKeys(groups) {
		figAsJSON, err := json.Marshal(Figure(metricType, groups[metricType]))
		if err != nil {
			return errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType)
		}
		figures = append(figures, base64.StdEncoding.EncodeToString(figAsJSON))
	}
	data := &struct {
		CDN     string
		Figures []string
	}{CDN: PlotlySrc, Figures: figures}
	return errors.Wrap(singleFileHTMLTmpl.Execute(w, data), "failed to render plotly")
}

// SavePNG draws the series, all of the same metric type, in one PNG image.
func SavePNG(filePath, metricType string, series []*Series) error {
	if len(series) == 0 {
		return errors.Errorf("no series to plot for %q", metricType)
	}
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "Steps"
	p.Y.Label.Text = metricType
	var args []any
	for _, s := range series {
		xys := make(plotter.XYs, s.Len())
		for ii := range xys {
			xys[ii].X = s.Steps[ii]
			xys[ii].Y = s.Values[ii]
		}
		args = append(args, s.Name, xys)
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return errors.Wrapf(err, "failed to plot %q", metricType)
	}
	return errors.Wrapf(p.Save(12*vg.Inch, 6*vg.Inch, filePath), "failed to save plot to %q", filePath)
}

// String returns a short description of the series.
func (s *Series) String() string {
	return fmt.Sprintf("%s (%s): %d points", s.Name, s.MetricType, s.Len())
}
