package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/stance-cnn/layers"
)

func testModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{4, 6, 1}).
		AddConv1D(3, 2, 1, 0, true, "conv").
		AddReLU("relu").
		AddMaxPool1D(1, 0, "pool").
		AddFlatten("flat").
		AddDropout(0.5, "drop").
		AddDense(2, true, "out").
		AddSoftmax(-1, "softmax").
		Compile()
	require.NoError(t, err)
	return model
}

// filledCheckpoint gives every weight distinct, easily checked values.
func filledCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	model := testModel(t)
	weights := ParameterLayout(model)
	for i := range weights {
		size := 1
		for _, d := range weights[i].Shape {
			size *= d
		}
		weights[i].Data = make([]float64, size)
		for j := range weights[i].Data {
			weights[i].Data[j] = float64(i+1) + float64(j)*0.125
		}
	}
	return &Checkpoint{
		ModelSpec:     model,
		Weights:       weights,
		TrainingState: TrainingState{Epoch: 3, Step: 30, LearningRate: 0.001, BestLoss: 0.4},
		Metadata:      CheckpointMetadata{Description: "test", Tags: []string{"unit"}},
	}
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatForPath("CNN_model.h5"))
	assert.Equal(t, FormatJSON, FormatForPath("model.json"))
	assert.Equal(t, FormatONNX, FormatForPath("export/model.ONNX"))
	assert.Equal(t, "JSON", FormatJSON.String())
	assert.Equal(t, "ONNX", FormatONNX.String())
	assert.Equal(t, "Unknown", CheckpointFormat(9).String())
}

func TestParameterLayout(t *testing.T) {
	layout := ParameterLayout(testModel(t))
	require.Len(t, layout, 4)

	assert.Equal(t, "conv.weight", layout[0].Name)
	assert.Equal(t, []int{2, 1, 3}, layout[0].Shape)
	assert.Equal(t, "conv.bias", layout[1].Name)
	assert.Equal(t, "bias", layout[1].Type)
	assert.Equal(t, []int{15, 2}, layout[2].Shape)
	assert.Equal(t, "out", layout[3].Layer)
}

func TestJSONSaveLoadRoundTrip(t *testing.T) {
	cp := filledCheckpoint(t)
	path := filepath.Join(t.TempDir(), "nested", "CNN_model_v2.h5")

	require.NoError(t, Save(cp, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())

	assert.Equal(t, frameworkName, loaded.Metadata.Framework)
	assert.False(t, loaded.Metadata.CreatedAt.IsZero())
	assert.Equal(t, cp.TrainingState, loaded.TrainingState)
	assert.Equal(t, cp.Weights, loaded.Weights)
	assert.Equal(t, cp.ModelSpec.TotalParameters, loaded.ModelSpec.TotalParameters)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.h5"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.h5")
	require.NoError(t, os.WriteFile(garbage, []byte("\x89HDF\r\n\x1a\n"), 0o644))
	_, err = Load(garbage)
	assert.True(t, errors.Is(err, ErrIncompatible))

	foreign := filepath.Join(dir, "foreign.h5")
	require.NoError(t, os.WriteFile(foreign, []byte(`{"model_spec":{"layers":[]},"metadata":{"framework":"go-metal"}}`), 0o644))
	_, err = Load(foreign)
	assert.True(t, errors.Is(err, ErrIncompatible))
}

func TestValidateDetectsMismatch(t *testing.T) {
	cp := filledCheckpoint(t)
	cp.Weights[2].Data = cp.Weights[2].Data[:3]
	assert.True(t, errors.Is(cp.Validate(), ErrIncompatible))

	cp = filledCheckpoint(t)
	cp.Weights = cp.Weights[:2]
	assert.True(t, errors.Is(cp.Validate(), ErrIncompatible))
}

func TestSaveRequiresModelSpec(t *testing.T) {
	err := Save(&Checkpoint{}, filepath.Join(t.TempDir(), "x.h5"))
	assert.Error(t, err)
}

func TestONNXRoundTrip(t *testing.T) {
	cp := filledCheckpoint(t)
	path := filepath.Join(t.TempDir(), "model.onnx")

	require.NoError(t, Save(cp, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	assert.Equal(t, frameworkName, loaded.Metadata.Framework)
	assert.Equal(t, 3, loaded.TrainingState.Epoch)

	require.Len(t, loaded.Weights, len(cp.Weights))
	for i := range cp.Weights {
		assert.Equal(t, cp.Weights[i].Name, loaded.Weights[i].Name)
		assert.Equal(t, cp.Weights[i].Shape, loaded.Weights[i].Shape)
		assert.InDeltaSlice(t, cp.Weights[i].Data, loaded.Weights[i].Data, 1e-5)
	}
}

func TestONNXGraphStructure(t *testing.T) {
	cp := filledCheckpoint(t)
	data, err := NewONNXExporter().Marshal(cp)
	require.NoError(t, err)

	model, err := UnmarshalModel(data)
	require.NoError(t, err)
	assert.Equal(t, int64(onnxIRVersion), model.IrVersion)
	require.Len(t, model.OpsetImport, 1)
	assert.Equal(t, int64(onnxOpset), model.OpsetImport[0].Version)

	var ops []string
	for _, n := range model.Graph.Node {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{
		"Transpose", "Conv", "Transpose", "Relu",
		"Transpose", "MaxPool", "Transpose", "Flatten",
		"Identity", "MatMul", "Add", "Softmax", "Identity",
	}, ops)

	require.Len(t, model.Graph.Input, 1)
	assert.Equal(t, "input", model.Graph.Input[0].Name)
	assert.Equal(t, "output", model.Graph.Output[0].Name)

	// conv kernel is stored as [filters, channels, kernel]
	var conv *TensorProto
	for _, init := range model.Graph.Initializer {
		if init.Name == "conv.weight" {
			conv = init
		}
	}
	require.NotNil(t, conv)
	assert.Equal(t, []int64{3, 1, 2}, conv.Dims)
	values, err := conv.Floats()
	require.NoError(t, err)
	// source [k=1, c=0, f=0] is element 3 of the [2,1,3] layout
	assert.InDelta(t, cp.Weights[0].Data[3], values[1], 1e-6)
}

func TestONNXConcatenateExport(t *testing.T) {
	f := layers.NewFactory()
	branch := func(k int, name string) []layers.LayerSpec {
		return []layers.LayerSpec{
			f.CreateConv1DSpec(2, k, 1, 0, true, name),
			f.CreateReLUSpec(name + "_relu"),
		}
	}
	model, err := layers.NewModelBuilder([]int{1, 4, 1}).
		AddConcatenate("concat", branch(2, "a"), branch(4, "b")).
		AddDense(2, true, "out").
		Compile()
	require.NoError(t, err)

	cp := &Checkpoint{ModelSpec: model, Weights: ParameterLayout(model)}
	for i := range cp.Weights {
		size := 1
		for _, d := range cp.Weights[i].Shape {
			size *= d
		}
		cp.Weights[i].Data = make([]float64, size)
	}

	data, err := NewONNXExporter().Marshal(cp)
	require.NoError(t, err)
	decoded, err := UnmarshalModel(data)
	require.NoError(t, err)

	var concat *NodeProto
	for _, n := range decoded.Graph.Node {
		if n.OpType == "Concat" {
			concat = n
		}
	}
	require.NotNil(t, concat)
	assert.Len(t, concat.Input, 2)

	imported, err := NewONNXImporter().Unmarshal(data)
	require.NoError(t, err)
	assert.Len(t, imported.Weights, 6)
}

func TestONNXImportRejectsForeignModels(t *testing.T) {
	foreign := (&ModelProto{IrVersion: 7, ProducerName: "pytorch", Graph: &GraphProto{Name: "g"}}).Marshal()
	_, err := NewONNXImporter().Unmarshal(foreign)
	assert.True(t, errors.Is(err, ErrIncompatible))

	_, err = NewONNXImporter().Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.True(t, errors.Is(err, ErrIncompatible))
}

func TestTensorProtoFloatData(t *testing.T) {
	tp := &TensorProto{Name: "w", DataType: tensorFloat, Dims: []int64{2}, FloatData: []float32{1.5, -2}}
	decoded, err := unmarshalTensor(tp.marshal())
	require.NoError(t, err)

	values, err := decoded.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, values)
	assert.Equal(t, []int64{2}, decoded.Dims)

	_, err = (&TensorProto{DataType: 7}).Floats()
	assert.Error(t, err)
}
