package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
)

// AdamOptimizerState implements Adam with the bias correction folded into
// the step size, as Keras does:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	p   -= lr_t * m / (sqrt(v) + epsilon)
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers [][]float64 // First moment for each parameter
	VarianceBuffers [][]float64 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	shapes [][]int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer. Moment buffers are allocated
// lazily on the first Step so they match the parameters they update.
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

func (adam *AdamOptimizerState) ensureBuffers(params []*engine.Parameter) error {
	if adam.MomentumBuffers == nil {
		adam.MomentumBuffers = allocateBuffers(params)
		adam.VarianceBuffers = allocateBuffers(params)
		adam.shapes = make([][]int, len(params))
		for i, p := range params {
			adam.shapes[i] = p.Shape
		}
		return nil
	}
	if len(adam.MomentumBuffers) != len(params) {
		return errors.Errorf("optimizer tracks %d parameters, got %d", len(adam.MomentumBuffers), len(params))
	}
	for i, p := range params {
		if len(adam.MomentumBuffers[i]) != p.Size() {
			return errors.Errorf("parameter %s has %d values, optimizer state has %d",
				p.Name, p.Size(), len(adam.MomentumBuffers[i]))
		}
		if adam.shapes[i] == nil {
			adam.shapes[i] = p.Shape
		}
	}
	return nil
}

// Step performs a single Adam update using each parameter's Grad.
func (adam *AdamOptimizerState) Step(params []*engine.Parameter) error {
	if err := adam.ensureBuffers(params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	lrT := adam.LearningRate * math.Sqrt(1-math.Pow(adam.Beta2, t)) / (1 - math.Pow(adam.Beta1, t))

	for i, p := range params {
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			if adam.WeightDecay > 0 {
				g += adam.WeightDecay * p.Value[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			p.Value[j] -= lrT * m[j] / (math.Sqrt(v[j]) + adam.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.MomentumBuffers))
	for i := range adam.MomentumBuffers {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], adam.shapes[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], adam.shapes[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Buffers are sized
// from the saved tensors and checked against the parameters on the next Step.
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	count := len(state.StateData) / 2
	momentum := make([][]float64, count)
	variance := make([][]float64, count)
	shapes := make([][]int, count)

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= count {
			return errors.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		buf := make([]float64, len(tensor.Data))
		if err := restoreBufferState(buf, tensor.Data, tensor.Name); err != nil {
			return err
		}
		switch tensor.StateType {
		case "momentum":
			momentum[idx] = buf
		case "variance":
			variance[idx] = buf
		default:
			return errors.Errorf("unknown Adam state type %q", tensor.StateType)
		}
		shapes[idx] = tensor.Shape
	}
	for i := 0; i < count; i++ {
		if momentum[i] == nil || variance[i] == nil || len(momentum[i]) != len(variance[i]) {
			return errors.Wrapf(checkpoints.ErrIncompatible, "incomplete Adam state for buffer %d", i)
		}
	}

	if count == 0 {
		momentum, variance, shapes = nil, nil, nil
	}
	adam.MomentumBuffers = momentum
	adam.VarianceBuffers = variance
	adam.shapes = shapes
	return nil
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) {
	adam.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}
