package layers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv1D
	ReLU
	Softmax
	MaxPool1D
	Dropout
	Flatten
	Concatenate
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv1D:
		return "Conv1D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool1D:
		return "MaxPool1D"
	case Dropout:
		return "Dropout"
	case Flatten:
		return "Flatten"
	case Concatenate:
		return "Concatenate"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the engine.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Parallel sub-networks fed with the same input (Concatenate only)
	Branches [][]LayerSpec `json:"branches,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateConv1DSpec creates a Conv1D layer specification. Inputs are
// channels-last: [batch, length, channels].
func (lf *LayerFactory) CreateConv1DSpec(filters, kernelSize, stride, padding int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Conv1D,
		Name: name,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	}
}

// CreateMaxPool1DSpec creates a MaxPool1D specification. A stride of 0
// defaults to the pool size.
func (lf *LayerFactory) CreateMaxPool1DSpec(poolSize, stride int, name string) LayerSpec {
	if stride <= 0 {
		stride = poolSize
	}
	return LayerSpec{
		Type: MaxPool1D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	}
}

// CreateFlattenSpec creates a Flatten specification
func (lf *LayerFactory) CreateFlattenSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSoftmaxSpec creates a Softmax activation specification
func (lf *LayerFactory) CreateSoftmaxSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
}

// CreateDropoutSpec creates a Dropout layer specification
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (lf *LayerFactory) CreateDropoutSpec(rate float64, name string) LayerSpec {
	return LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
}

// CreateConcatenateSpec creates a layer that runs every branch on the same
// input and joins their flattened outputs along the feature axis.
func (lf *LayerFactory) CreateConcatenateSpec(name string, branches ...[]LayerSpec) LayerSpec {
	return LayerSpec{
		Type:       Concatenate,
		Name:       name,
		Parameters: map[string]interface{}{"axis": -1},
		Branches:   branches,
	}
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	factory    *LayerFactory
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the
// batch dimension.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		factory:    NewFactory(),
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model. Input size is computed during
// compilation.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDenseSpec(outputSize, useBias, name))
}

// AddConv1D adds a Conv1D layer to the model
func (mb *ModelBuilder) AddConv1D(filters, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConv1DSpec(filters, kernelSize, stride, padding, useBias, name))
}

// AddMaxPool1D adds a MaxPool1D layer to the model
func (mb *ModelBuilder) AddMaxPool1D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateMaxPool1DSpec(poolSize, stride, name))
}

// AddFlatten adds a Flatten layer to the model
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateFlattenSpec(name))
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateReLUSpec(name))
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateSoftmaxSpec(axis, name))
}

// AddDropout adds a Dropout layer to the model
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDropoutSpec(rate, name))
}

// AddConcatenate adds a multi-branch block to the model
func (mb *ModelBuilder) AddConcatenate(name string, branches ...[]LayerSpec) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConcatenateSpec(name, branches...))
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, errors.Errorf("input shape %v must include batch and feature dimensions", mb.inputShape)
	}

	compiled, outputShape, paramShapes, totalParams, err := compileLayers(mb.layers, mb.inputShape)
	if err != nil {
		return nil, err
	}

	inputShape := make([]int, len(mb.inputShape))
	copy(inputShape, mb.inputShape)

	model := &ModelSpec{
		Layers:          compiled,
		InputShape:      inputShape,
		OutputShape:     outputShape,
		ParameterShapes: paramShapes,
		TotalParameters: totalParams,
		Compiled:        true,
	}
	mb.compiled = true

	return model, nil
}

// compileLayers runs shape inference over a layer list starting from
// inputShape. Layers are deep-copied so callers keep their specs intact.
func compileLayers(specs []LayerSpec, inputShape []int) ([]LayerSpec, []int, [][]int, int64, error) {
	out := make([]LayerSpec, len(specs))
	currentShape := inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range specs {
		layer := copyLayerSpec(specs[i])

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, nil, nil, 0, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
		out[i] = layer
	}

	return out, currentShape, allParameterShapes, totalParams, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv1D:
		return computeConv1DInfo(layer, inputShape)
	case MaxPool1D:
		return computeMaxPool1DInfo(layer, inputShape)
	case Flatten:
		return []int{inputShape[0], featureSize(inputShape)}, [][]int{}, 0, nil
	case Concatenate:
		return computeConcatenateInfo(layer, inputShape)
	case ReLU, Softmax, Dropout:
		return computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("dense layer requires at least 2D input")
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, errors.New("missing output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	// Dense flattens every non-batch dimension
	inputSize := featureSize(inputShape)
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv1DInfo computes Conv1D layer information
func computeConv1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, errors.New("Conv1D layer requires 3D input [batch, length, channels]")
	}

	filters := GetIntParam(layer.Parameters, "filters", 0)
	if filters <= 0 {
		return nil, nil, 0, errors.New("missing filters parameter")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return nil, nil, 0, errors.Errorf("invalid stride %d", stride)
	}
	padding := GetIntParam(layer.Parameters, "padding", 0)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	batchSize, length, inputChannels := inputShape[0], inputShape[1], inputShape[2]
	layer.Parameters["input_channels"] = inputChannels

	// integer division truncates toward zero, so check before dividing
	if length+2*padding < kernelSize {
		return nil, nil, 0, errors.Errorf("kernel size %d exceeds padded input length %d", kernelSize, length+2*padding)
	}
	outputLength := (length+2*padding-kernelSize)/stride + 1

	outputShape := []int{batchSize, outputLength, filters}

	// Weight tensor: [kernelSize, inputChannels, filters]
	paramShapes := [][]int{{kernelSize, inputChannels, filters}}
	paramCount := int64(kernelSize * inputChannels * filters)

	if useBias {
		paramShapes = append(paramShapes, []int{filters})
		paramCount += int64(filters)
	}

	return outputShape, paramShapes, paramCount, nil
}

func computeMaxPool1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, errors.New("MaxPool1D layer requires 3D input [batch, length, channels]")
	}

	poolSize := GetIntParam(layer.Parameters, "pool_size", 0)
	if poolSize <= 0 {
		return nil, nil, 0, errors.New("missing pool_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", poolSize)
	if stride <= 0 {
		stride = poolSize
	}
	layer.Parameters["stride"] = stride

	if inputShape[1] < poolSize {
		return nil, nil, 0, errors.Errorf("pool size %d exceeds input length %d", poolSize, inputShape[1])
	}
	outputLength := (inputShape[1]-poolSize)/stride + 1

	return []int{inputShape[0], outputLength, inputShape[2]}, [][]int{}, 0, nil
}

func computeConcatenateInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(layer.Branches) == 0 {
		return nil, nil, 0, errors.New("concatenate layer requires at least one branch")
	}

	var paramShapes [][]int
	paramCount := int64(0)
	width := 0

	for b, branch := range layer.Branches {
		compiled, outShape, shapes, count, err := compileLayers(branch, inputShape)
		if err != nil {
			return nil, nil, 0, errors.Wrapf(err, "branch %d", b)
		}
		layer.Branches[b] = compiled
		paramShapes = append(paramShapes, shapes...)
		paramCount += count
		width += featureSize(outShape)
	}

	return []int{inputShape[0], width}, paramShapes, paramCount, nil
}

func computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if layer.Type == Dropout {
		rate := GetFloatParam(layer.Parameters, "rate", 0.5)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, errors.Errorf("dropout rate %v must be in [0, 1)", rate)
		}
	}

	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// featureSize is the product of every non-batch dimension.
func featureSize(shape []int) int {
	size := 1
	for i := 1; i < len(shape); i++ {
		size *= shape[i]
	}
	return size
}

func copyLayerSpec(src LayerSpec) LayerSpec {
	dst := src
	dst.Parameters = make(map[string]interface{}, len(src.Parameters))
	for k, v := range src.Parameters {
		dst.Parameters[k] = v
	}
	if src.Branches != nil {
		dst.Branches = make([][]LayerSpec, len(src.Branches))
		for i, branch := range src.Branches {
			dst.Branches[i] = make([]LayerSpec, len(branch))
			for j := range branch {
				dst.Branches[i][j] = copyLayerSpec(branch[j])
			}
		}
	}
	return dst
}

// Recompile re-runs shape inference for a spec, e.g. one decoded from a
// checkpoint, optionally with a different batch dimension.
func (ms *ModelSpec) Recompile(batchSize int) (*ModelSpec, error) {
	if len(ms.InputShape) == 0 {
		return nil, errors.New("model must specify input shape")
	}
	inputShape := make([]int, len(ms.InputShape))
	copy(inputShape, ms.InputShape)
	if batchSize > 0 {
		inputShape[0] = batchSize
	}

	mb := NewModelBuilder(inputShape)
	for _, layer := range ms.Layers {
		mb.AddLayer(layer)
	}
	return mb.Compile()
}

// Validate checks that a compiled model can be executed.
func (ms *ModelSpec) Validate() error {
	if !ms.Compiled {
		return errors.New("model not compiled")
	}
	if len(ms.Layers) == 0 {
		return errors.New("empty model")
	}
	if len(ms.OutputShape) != 2 {
		return errors.Errorf("model output must be 2D [batch, classes], got %v", ms.OutputShape)
	}
	return nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %s\n", humanize.Comma(ms.TotalParameters))
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		writeLayerSummary(&sb, layer, fmt.Sprintf("%d", i+1), "")
	}

	return sb.String()
}

func writeLayerSummary(sb *strings.Builder, layer LayerSpec, label, indent string) {
	fmt.Fprintf(sb, "%sLayer %s: %s (%s)\n", indent, label, layer.Name, layer.Type.String())
	fmt.Fprintf(sb, "%s  Input:  %v\n", indent, layer.InputShape)
	fmt.Fprintf(sb, "%s  Output: %v\n", indent, layer.OutputShape)
	fmt.Fprintf(sb, "%s  Params: %s\n", indent, humanize.Comma(layer.ParameterCount))
	for b, branch := range layer.Branches {
		for j, inner := range branch {
			writeLayerSummary(sb, inner, fmt.Sprintf("%s.%d.%d", label, b+1, j+1), indent+"    ")
		}
	}
	sb.WriteString("\n")
}

// GetIntParam reads an integer parameter. Values decoded from JSON arrive
// as float64 and are converted.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	val, exists := params[key]
	if !exists {
		return defaultValue
	}
	switch v := val.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultValue
}

// GetBoolParam reads a boolean parameter
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

// GetFloatParam reads a floating point parameter
func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	val, exists := params[key]
	if !exists {
		return defaultValue
	}
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return defaultValue
}
