package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
)

// SGDOptimizerState implements SGD with optional (Nesterov) momentum.
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool

	MomentumBuffers [][]float64
	StepCount       uint64

	shapes [][]int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns the Keras SGD defaults
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
	}
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step(params []*engine.Parameter) error {
	if sgd.Momentum > 0 {
		if sgd.MomentumBuffers == nil {
			sgd.MomentumBuffers = allocateBuffers(params)
			sgd.shapes = make([][]int, len(params))
			for i, p := range params {
				sgd.shapes[i] = p.Shape
			}
		} else if len(sgd.MomentumBuffers) != len(params) {
			return errors.Errorf("optimizer tracks %d parameters, got %d", len(sgd.MomentumBuffers), len(params))
		}
	}

	sgd.StepCount++
	for i, p := range params {
		for j, g := range p.Grad {
			if sgd.WeightDecay > 0 {
				g += sgd.WeightDecay * p.Value[j]
			}
			if sgd.Momentum == 0 {
				p.Value[j] -= sgd.LearningRate * g
				continue
			}
			// Keras formulation: v = momentum*v - lr*g
			buf := sgd.MomentumBuffers[i]
			buf[j] = sgd.Momentum*buf[j] - sgd.LearningRate*g
			if sgd.Nesterov {
				p.Value[j] += sgd.Momentum*buf[j] - sgd.LearningRate*g
			} else {
				p.Value[j] += buf[j]
			}
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buf := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buf, sgd.shapes[i], fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if len(state.StateData) == 0 {
		sgd.MomentumBuffers, sgd.shapes = nil, nil
		return nil
	}

	buffers := make([][]float64, len(state.StateData))
	shapes := make([][]int, len(state.StateData))
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		buffers[idx] = make([]float64, len(tensor.Data))
		if err := restoreBufferState(buffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
		shapes[idx] = tensor.Shape
	}
	sgd.MomentumBuffers = buffers
	sgd.shapes = shapes
	return nil
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) {
	sgd.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}
