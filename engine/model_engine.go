package engine

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/layers"
	"github.com/tsawler/stance-cnn/memory"
)

// ErrInputShape is returned when a batch does not match the model's
// per-example input size.
var ErrInputShape = errors.New("input shape mismatch")

var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed reseeds the generator used for weight initialisation and
// dropout masks of engines created afterwards.
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

func nextSeed() int64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return globalRng.Int63()
}

// Parameter is a trainable tensor with its gradient accumulator.
type Parameter struct {
	Name  string
	Layer string
	Type  string // "weight" or "bias"
	Shape []int
	Value []float64
	Grad  []float64
}

func newParameter(layer, kind string, shape []int) *Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Parameter{
		Name:  layer + "." + kind,
		Layer: layer,
		Type:  kind,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of scalar values in the parameter.
func (p *Parameter) Size() int {
	return len(p.Value)
}

// EngineOption customises a ModelTrainingEngine.
type EngineOption func(*ModelTrainingEngine)

// WithSeed fixes the engine's random source independently of SetRandomSeed.
func WithSeed(seed int64) EngineOption {
	return func(mte *ModelTrainingEngine) {
		mte.seed = &seed
	}
}

// ModelTrainingEngine executes a compiled ModelSpec on the CPU. It owns the
// model parameters and caches activations between Forward and Backward,
// so a single engine must not be driven from several goroutines at once.
type ModelTrainingEngine struct {
	modelSpec *layers.ModelSpec
	nodes     []node
	params    []*Parameter
	inputSize int
	rng       *rand.Rand
	pool      *memory.BufferPool
	seed      *int64
}

// NewModelTrainingEngine builds the layer graph for a compiled model and
// initialises weights with Glorot-uniform kernels and zero biases.
func NewModelTrainingEngine(modelSpec *layers.ModelSpec, opts ...EngineOption) (*ModelTrainingEngine, error) {
	if modelSpec == nil || !modelSpec.Compiled {
		return nil, errors.New("model spec must be compiled")
	}
	if err := modelSpec.Validate(); err != nil {
		return nil, errors.Wrap(err, "model validation failed")
	}

	mte := &ModelTrainingEngine{modelSpec: modelSpec, pool: memory.NewBufferPool()}
	for _, opt := range opts {
		opt(mte)
	}
	if mte.seed != nil {
		mte.rng = rand.New(rand.NewSource(*mte.seed))
	} else {
		mte.rng = rand.New(rand.NewSource(nextSeed()))
	}

	nodes, err := buildNodes(modelSpec.Layers, mte.rng, mte.pool)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build layers")
	}
	mte.nodes = nodes
	for _, n := range nodes {
		mte.params = append(mte.params, n.parameters()...)
	}
	if len(mte.params) != len(modelSpec.ParameterShapes) {
		return nil, errors.Errorf("engine created %d parameters, model declares %d",
			len(mte.params), len(modelSpec.ParameterShapes))
	}

	mte.inputSize = featureSize(modelSpec.InputShape)
	return mte, nil
}

// Forward runs a batch through the model. x has one row per example with
// the example's [length, channels] values flattened channels-last.
func (mte *ModelTrainingEngine) Forward(x *mat.Dense, training bool) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != mte.inputSize {
		return nil, errors.Wrapf(ErrInputShape, "got %d features per example, model expects %d (%v)",
			cols, mte.inputSize, mte.modelSpec.InputShape[1:])
	}
	if rows == 0 {
		return nil, errors.Wrap(ErrInputShape, "empty batch")
	}

	out := x
	for _, n := range mte.nodes {
		out = n.forward(out, training)
	}
	return out, nil
}

// Backward propagates the loss gradient w.r.t. the model output and adds
// the parameter gradients into each Parameter.Grad.
func (mte *ModelTrainingEngine) Backward(grad *mat.Dense) error {
	_, cols := grad.Dims()
	if want := featureSize(mte.modelSpec.OutputShape); cols != want {
		return errors.Wrapf(ErrInputShape, "gradient has %d columns, model output has %d", cols, want)
	}

	g := grad
	for i := len(mte.nodes) - 1; i >= 0; i-- {
		g = mte.nodes[i].backward(g)
	}
	return nil
}

// ZeroGrad clears every gradient accumulator.
func (mte *ModelTrainingEngine) ZeroGrad() {
	for _, p := range mte.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// GetParameters returns the live parameters in execution order.
func (mte *ModelTrainingEngine) GetParameters() []*Parameter {
	return mte.params
}

// GetModelSpec returns the compiled model specification
func (mte *ModelTrainingEngine) GetModelSpec() *layers.ModelSpec {
	return mte.modelSpec
}

// ExtractWeights snapshots the parameters as checkpoint tensors.
func (mte *ModelTrainingEngine) ExtractWeights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, len(mte.params))
	for i, p := range mte.params {
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
			Layer: p.Layer,
			Type:  p.Type,
		}
	}
	return weights
}

// LoadWeights copies checkpoint tensors into the parameters, matching by
// name. Every parameter must be present with an identical shape.
func (mte *ModelTrainingEngine) LoadWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range mte.params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Wrapf(checkpoints.ErrIncompatible, "weight %s missing from checkpoint", p.Name)
		}
		if !sameShape(w.Shape, p.Shape) || len(w.Data) != len(p.Value) {
			return errors.Wrapf(checkpoints.ErrIncompatible, "weight %s has shape %v, model expects %v",
				p.Name, w.Shape, p.Shape)
		}
	}
	for _, p := range mte.params {
		copy(p.Value, byName[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
