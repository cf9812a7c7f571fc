package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisualizationCollectorDisabledByDefault(t *testing.T) {
	vc := NewVisualizationCollector("m")
	vc.RecordEpoch(1, 0.5, 0.5)
	vc.RecordTrainingStep(1, 0.5, 0.001)
	assert.False(t, vc.IsEnabled())
	assert.Zero(t, vc.EpochCount())
}

func TestTrainingCurvesPlot(t *testing.T) {
	vc := NewVisualizationCollector("stance")
	vc.Enable()
	vc.RecordEpoch(1, 1.2, 0.4)
	vc.RecordEpoch(2, 0.8, 0.6)
	for step := 1; step <= 3; step++ {
		vc.RecordTrainingStep(step, 1.0, 0.001/float64(step))
	}

	curves := vc.GenerateTrainingCurvesPlot()
	assert.Equal(t, TrainingCurves, curves.PlotType)
	require.Len(t, curves.Series, 2)
	assert.Equal(t, []DataPoint{{X: 1, Y: 1.2}, {X: 2, Y: 0.8}}, curves.Series[0].Data)
	assert.Equal(t, 0.6, curves.Metrics["final_accuracy"])

	lr := vc.GenerateLearningRateSchedulePlot()
	require.Len(t, lr.Series, 1)
	assert.Len(t, lr.Series[0].Data, 3)
	assert.InDelta(t, 0.0005, lr.Series[0].Data[1].Y, 1e-15)

	data, err := curves.ToJSON()
	require.NoError(t, err)
	var decoded PlotData
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, curves.Series, decoded.Series)
}

func TestConfusionMatrixPlot(t *testing.T) {
	vc := NewVisualizationCollector("stance")
	vc.Enable()
	vc.RecordConfusionMatrix([][]int{{3, 1}, {0, 2}}, []string{"agree", "disagree"})

	pd := vc.GenerateConfusionMatrixPlot()
	require.Len(t, pd.Series, 1)
	cells := pd.Series[0].Data
	require.Len(t, cells, 4)
	assert.Equal(t, DataPoint{X: 1, Y: 0, Z: 1, Label: "agree"}, cells[1])

	err := RenderPNG(pd, filepath.Join(t.TempDir(), "cm.png"))
	assert.Error(t, err, "heatmaps are not rendered to PNG")
}

func TestRenderPNG(t *testing.T) {
	vc := NewVisualizationCollector("stance")
	vc.Enable()
	for epoch := 1; epoch <= 5; epoch++ {
		vc.RecordEpoch(epoch, 1/float64(epoch), 1-1/float64(epoch+1))
	}

	path := filepath.Join(t.TempDir(), "plots", "curves.png")
	require.NoError(t, RenderPNG(vc.GenerateTrainingCurvesPlot(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), data[:8])

	empty := NewVisualizationCollector("empty").GenerateTrainingCurvesPlot()
	assert.Error(t, RenderPNG(empty, filepath.Join(t.TempDir(), "empty.png")))
}

func TestParseColor(t *testing.T) {
	c := parseColor("#FF6B6B", 0)
	r, g, b, a := c.RGBA()
	assert.Equal(t, uint32(0xFFFF), r)
	assert.Equal(t, uint32(0x6B6B), g)
	assert.Equal(t, uint32(0x6B6B), b)
	assert.Equal(t, uint32(0xFFFF), a)

	assert.Equal(t, fallbackColors[1], parseColor("nope", 1))
}
