package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	metaModelSpec     = "stance_cnn.model_spec"
	metaTrainingState = "stance_cnn.training_state"
)

// ONNXExporter converts checkpoints into an inference-only ONNX graph.
// The model spec travels along in metadata_props so the file can be
// imported again without guessing the architecture from the graph.
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a checkpoint to ONNX format
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// Marshal builds the ONNX model for a checkpoint and returns its encoding.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}

	specJSON, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode model spec")
	}
	stateJSON, err := json.Marshal(checkpoint.TrainingState)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode training state")
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ONNX graph")
	}

	oe.model = &ModelProto{
		IrVersion:       onnxIRVersion,
		ProducerName:    frameworkName,
		ProducerVersion: frameworkVersion,
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Graph:           graph,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		MetadataProps: []*StringStringEntryProto{
			{Key: metaModelSpec, Value: string(specJSON)},
			{Key: metaTrainingState, Value: string(stateJSON)},
		},
	}
	return oe.model.Marshal(), nil
}

type graphBuilder struct {
	graph   *GraphProto
	weights map[string]WeightTensor
	next    int
}

func (gb *graphBuilder) tensorName(layer, suffix string) string {
	gb.next++
	return fmt.Sprintf("%s_%s_%d", layer, suffix, gb.next)
}

func (gb *graphBuilder) addNode(opType, name string, inputs []string, output string, attrs ...*AttributeProto) string {
	gb.graph.Node = append(gb.graph.Node, &NodeProto{
		Input:     inputs,
		Output:    []string{output},
		Name:      name,
		OpType:    opType,
		Attribute: attrs,
	})
	return output
}

func (gb *graphBuilder) transpose(layer, input string) string {
	out := gb.tensorName(layer, "t")
	return gb.addNode("Transpose", out, []string{input}, out, intsAttr("perm", 0, 2, 1))
}

func (gb *graphBuilder) flatten(layer, input string) string {
	out := gb.tensorName(layer, "flat")
	return gb.addNode("Flatten", out, []string{input}, out, intAttr("axis", 1))
}

func (gb *graphBuilder) weight(name string) (WeightTensor, error) {
	w, ok := gb.weights[name]
	if !ok {
		return WeightTensor{}, errors.Errorf("missing weight tensor %s", name)
	}
	return w, nil
}

// buildONNXGraph creates the ONNX computation graph from the model spec
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	gb := &graphBuilder{
		graph:   &GraphProto{Name: "stance-cnn"},
		weights: make(map[string]WeightTensor, len(checkpoint.Weights)),
	}
	for _, w := range checkpoint.Weights {
		gb.weights[w.Name] = w
	}

	spec := checkpoint.ModelSpec
	gb.graph.Input = append(gb.graph.Input, &ValueInfoProto{
		Name: "input", ElemType: tensorFloat, Dims: batchDims(spec.InputShape),
	})

	last, err := gb.emitLayers(spec.Layers, "input")
	if err != nil {
		return nil, err
	}

	gb.addNode("Identity", "output", []string{last}, "output")
	gb.graph.Output = append(gb.graph.Output, &ValueInfoProto{
		Name: "output", ElemType: tensorFloat, Dims: batchDims(spec.OutputShape),
	})
	return gb.graph, nil
}

func (gb *graphBuilder) emitLayers(specs []layers.LayerSpec, current string) (string, error) {
	var err error
	for _, spec := range specs {
		current, err = gb.emitLayer(spec, current)
		if err != nil {
			return "", errors.Wrapf(err, "layer %s", spec.Name)
		}
	}
	return current, nil
}

func (gb *graphBuilder) emitLayer(spec layers.LayerSpec, input string) (string, error) {
	switch spec.Type {
	case layers.Conv1D:
		return gb.emitConv1D(spec, input)
	case layers.Dense:
		return gb.emitDense(spec, input)
	case layers.MaxPool1D:
		pool := layers.GetIntParam(spec.Parameters, "pool_size", 1)
		stride := layers.GetIntParam(spec.Parameters, "stride", pool)
		t := gb.transpose(spec.Name, input)
		out := gb.tensorName(spec.Name, "pool")
		gb.addNode("MaxPool", spec.Name, []string{t}, out,
			intsAttr("kernel_shape", int64(pool)), intsAttr("strides", int64(stride)))
		return gb.transpose(spec.Name, out), nil
	case layers.ReLU:
		out := gb.tensorName(spec.Name, "relu")
		return gb.addNode("Relu", spec.Name, []string{input}, out), nil
	case layers.Softmax:
		out := gb.tensorName(spec.Name, "softmax")
		axis := layers.GetIntParam(spec.Parameters, "axis", -1)
		return gb.addNode("Softmax", spec.Name, []string{input}, out, intAttr("axis", int64(axis))), nil
	case layers.Flatten:
		return gb.flatten(spec.Name, input), nil
	case layers.Dropout:
		// inference graph: dropout is the identity
		out := gb.tensorName(spec.Name, "id")
		return gb.addNode("Identity", spec.Name, []string{input}, out), nil
	case layers.Concatenate:
		outputs := make([]string, 0, len(spec.Branches))
		for b, branch := range spec.Branches {
			out, err := gb.emitLayers(branch, input)
			if err != nil {
				return "", errors.Wrapf(err, "branch %d", b)
			}
			if n := len(branch); n > 0 && len(branch[n-1].OutputShape) > 2 {
				out = gb.flatten(spec.Name, out)
			}
			outputs = append(outputs, out)
		}
		out := gb.tensorName(spec.Name, "concat")
		return gb.addNode("Concat", spec.Name, outputs, out, intAttr("axis", 1)), nil
	default:
		return "", errors.Errorf("unsupported layer type for ONNX export: %s", spec.Type)
	}
}

func (gb *graphBuilder) emitConv1D(spec layers.LayerSpec, input string) (string, error) {
	w, err := gb.weight(spec.Name + ".weight")
	if err != nil {
		return "", err
	}
	if len(w.Shape) != 3 {
		return "", errors.Errorf("conv weight %s has shape %v", w.Name, w.Shape)
	}
	k, channels, filters := w.Shape[0], w.Shape[1], w.Shape[2]

	// [k, C, F] -> [F, C, k]
	data := make([]float32, len(w.Data))
	for kk := 0; kk < k; kk++ {
		for c := 0; c < channels; c++ {
			for f := 0; f < filters; f++ {
				data[(f*channels+c)*k+kk] = float32(w.Data[(kk*channels+c)*filters+f])
			}
		}
	}
	gb.graph.Initializer = append(gb.graph.Initializer,
		floatTensor(w.Name, []int64{int64(filters), int64(channels), int64(k)}, data))

	inputs := []string{gb.transpose(spec.Name, input), w.Name}
	if b, ok := gb.weights[spec.Name+".bias"]; ok {
		gb.graph.Initializer = append(gb.graph.Initializer, floatTensor(b.Name, []int64{int64(len(b.Data))}, toFloat32(b.Data)))
		inputs = append(inputs, b.Name)
	}

	stride := layers.GetIntParam(spec.Parameters, "stride", 1)
	padding := layers.GetIntParam(spec.Parameters, "padding", 0)
	out := gb.tensorName(spec.Name, "conv")
	gb.addNode("Conv", spec.Name, inputs, out,
		intsAttr("kernel_shape", int64(k)),
		intsAttr("strides", int64(stride)),
		intsAttr("pads", int64(padding), int64(padding)),
	)
	return gb.transpose(spec.Name, out), nil
}

func (gb *graphBuilder) emitDense(spec layers.LayerSpec, input string) (string, error) {
	w, err := gb.weight(spec.Name + ".weight")
	if err != nil {
		return "", err
	}
	if len(spec.InputShape) > 2 {
		input = gb.flatten(spec.Name, input)
	}

	gb.graph.Initializer = append(gb.graph.Initializer, floatTensor(w.Name, toInt64(w.Shape), toFloat32(w.Data)))
	out := gb.tensorName(spec.Name, "matmul")
	gb.addNode("MatMul", spec.Name+"_matmul", []string{input, w.Name}, out)

	if b, ok := gb.weights[spec.Name+".bias"]; ok {
		gb.graph.Initializer = append(gb.graph.Initializer, floatTensor(b.Name, toInt64(b.Shape), toFloat32(b.Data)))
		sum := gb.tensorName(spec.Name, "add")
		out = gb.addNode("Add", spec.Name+"_add", []string{out, b.Name}, sum)
	}
	return out, nil
}

// ONNXImporter reads ONNX files previously written by ONNXExporter.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX loads an ONNX file and converts it back into a checkpoint
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	cp, err := oi.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "import %s", path)
	}
	return cp, nil
}

// Unmarshal converts an encoded ONNX model into a checkpoint.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, errors.Wrapf(ErrIncompatible, "%v", err)
	}
	if model.Graph == nil {
		return nil, errors.Wrap(ErrIncompatible, "ONNX model has no graph")
	}

	meta := make(map[string]string, len(model.MetadataProps))
	for _, kv := range model.MetadataProps {
		meta[kv.Key] = kv.Value
	}
	specJSON, ok := meta[metaModelSpec]
	if !ok {
		return nil, errors.Wrapf(ErrIncompatible, "ONNX model from producer %q carries no model spec", model.ProducerName)
	}

	var spec layers.ModelSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, errors.Wrapf(ErrIncompatible, "bad model spec metadata: %v", err)
	}

	cp := &Checkpoint{
		ModelSpec: &spec,
		Metadata: CheckpointMetadata{
			Version:     model.ProducerVersion,
			Framework:   model.ProducerName,
			Description: model.DocString,
		},
	}
	if state, ok := meta[metaTrainingState]; ok {
		if err := json.Unmarshal([]byte(state), &cp.TrainingState); err != nil {
			return nil, errors.Wrapf(ErrIncompatible, "bad training state metadata: %v", err)
		}
	}

	initializers := make(map[string]*TensorProto, len(model.Graph.Initializer))
	for _, t := range model.Graph.Initializer {
		initializers[t.Name] = t
	}

	for _, slot := range ParameterLayout(&spec) {
		t, ok := initializers[slot.Name]
		if !ok {
			return nil, errors.Wrapf(ErrIncompatible, "initializer %s not found", slot.Name)
		}
		values, err := t.Floats()
		if err != nil {
			return nil, errors.Wrap(ErrIncompatible, err.Error())
		}

		size := 1
		for _, d := range slot.Shape {
			size *= d
		}
		if len(values) != size {
			return nil, errors.Wrapf(ErrIncompatible, "initializer %s has %d values, want %d", slot.Name, len(values), size)
		}

		slot.Data = make([]float64, size)
		if slot.Type == "weight" && len(slot.Shape) == 3 {
			// [F, C, k] -> [k, C, F]
			k, channels, filters := slot.Shape[0], slot.Shape[1], slot.Shape[2]
			for kk := 0; kk < k; kk++ {
				for c := 0; c < channels; c++ {
					for f := 0; f < filters; f++ {
						slot.Data[(kk*channels+c)*filters+f] = float64(values[(f*channels+c)*k+kk])
					}
				}
			}
		} else {
			for i, v := range values {
				slot.Data[i] = float64(v)
			}
		}
		cp.Weights = append(cp.Weights, slot)
	}

	return cp, nil
}

// ParameterLayout lists the model's trainable tensors in execution order
// (branches depth first, weight before bias) with names, shapes and no data.
func ParameterLayout(spec *layers.ModelSpec) []WeightTensor {
	var out []WeightTensor
	collectLayout(spec.Layers, &out)
	return out
}

func collectLayout(specs []layers.LayerSpec, out *[]WeightTensor) {
	for _, spec := range specs {
		switch spec.Type {
		case layers.Concatenate:
			for _, branch := range spec.Branches {
				collectLayout(branch, out)
			}
		case layers.Conv1D, layers.Dense:
			for i, shape := range spec.ParameterShapes {
				kind := "weight"
				if i == 1 {
					kind = "bias"
				}
				*out = append(*out, WeightTensor{
					Name:  spec.Name + "." + kind,
					Shape: append([]int(nil), shape...),
					Layer: spec.Name,
					Type:  kind,
				})
			}
		}
	}
}

func batchDims(shape []int) []int64 {
	dims := make([]int64, len(shape))
	dims[0] = -1
	for i := 1; i < len(shape); i++ {
		dims[i] = int64(shape[i])
	}
	return dims
}

func toInt64(shape []int) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}

func toFloat32(data []float64) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: attrInt, I: v}
}

func intsAttr(name string, v ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: attrInts, Ints: v}
}
