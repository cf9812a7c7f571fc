package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/stance-cnn/layers"
)

func TestProgressBarRendering(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Epoch 1/2", 4)

	pb.Update(2, map[string]float64{"loss": 0.5, "acc": 0.75})
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "\rEpoch 1/2:  50%"))
	assert.Contains(t, line, "2/4")
	assert.Contains(t, line, "acc=75.00%")
	assert.Contains(t, line, "loss=0.5000")
	assert.Less(t, strings.Index(line, "acc="), strings.Index(line, "loss="), "metrics are sorted")

	buf.Reset()
	pb.Finish()
	assert.Contains(t, buf.String(), "100%")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "12:00", formatDuration(12*time.Minute))
}

func TestPrintArchitecture(t *testing.T) {
	f := layers.NewFactory()
	model, err := layers.NewModelBuilder([]int{32, 40, 1}).
		AddConcatenate("concat",
			[]layers.LayerSpec{f.CreateConv1DSpec(64, 40, 1, 0, true, "conv_40"), f.CreateFlattenSpec("flat_40")},
			[]layers.LayerSpec{f.CreateConv1DSpec(64, 20, 1, 0, true, "conv_20"), f.CreateFlattenSpec("flat_20")},
		).
		AddDropout(0.7, "dropout").
		AddDense(4, true, "output").
		AddSoftmax(-1, "softmax").
		Compile()
	require.NoError(t, err)

	var buf bytes.Buffer
	NewModelArchitecturePrinter("stance").PrintArchitecture(&buf, model)
	out := buf.String()

	assert.Contains(t, out, `Model: "stance"`)
	assert.Contains(t, out, "conv_40 (Conv1D k=40)")
	assert.Contains(t, out, "branch 1:")
	assert.Contains(t, out, "(None, 21, 64)")
	// 2624 + 1344 + (64+1344)*4 + 4 = 9604
	assert.Contains(t, out, "Total params: 9,604")
}
