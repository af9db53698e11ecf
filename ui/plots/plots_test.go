// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker/sqlitesink"
)

func testSeries() []*Series {
	return FromMetricsLog("run/", []metricslog.Row{
		{Step: 100, FID: 80, KID: 0.1},
		{Step: 200, FID: math.NaN(), KID: 0.08},
		{Step: 300, FID: 40, KID: 0.05},
	})
}

func TestSeries(t *testing.T) {
	series := testSeries()
	require.Len(t, series, 2)
	fid, kid := series[0], series[1]
	assert.Equal(t, "run/FID", fid.Name)
	assert.Equal(t, []float64{100, 300}, fid.Steps, "NaN dropped")
	assert.Equal(t, []float64{80, 40}, fid.Values)
	assert.Equal(t, 3, kid.Len())

	loss := FromTracker("loss", "loss", []sqlitesink.Point{{Step: 1, Value: 0.5}, {Step: 2, Value: math.Inf(1)}})
	assert.Equal(t, 1, loss.Len())

	groups := ByMetricType(append(series, loss, &Series{Name: "empty", MetricType: "x"}))
	assert.Len(t, groups, 3)
	assert.NotContains(t, groups, "x")
}

func TestWriteSVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSVG(&buf, 800, 400, "fid", testSeries()[:1]))
	svg := buf.String()
	assert.True(t, strings.Contains(svg, "<svg"))
	assert.Contains(t, svg, "run/FID")

	require.Error(t, WriteSVG(&buf, 800, 400, "fid", nil))
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, testSeries()))
	page := buf.String()
	assert.Contains(t, page, PlotlySrc)
	assert.Contains(t, page, "plot0")
	assert.Contains(t, page, "plot1")
	assert.NotContains(t, page, "plot2")

	fig := Figure("fid", testSeries()[:1])
	assert.Len(t, fig.Data, 1)

	require.Error(t, WriteHTML(&buf, nil))
}

func TestSavePNG(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "kid.png")
	require.NoError(t, SavePNG(filePath, "kid", testSeries()[1:]))
	_, err := os.Stat(filePath)
	require.NoError(t, err)
	img, err := imaging.Open(filePath)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}
