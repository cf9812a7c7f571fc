package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
)

// Optimizer defines the common interface for all optimizers.
// State can be extracted and restored for checkpointing.
type Optimizer interface {
	// Step applies one update using the gradients accumulated in params.
	// params must be the same slice, in the same order, on every call.
	Step(params []*engine.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the base learning rate currently in use
	GetLearningRate() float64
}

// OptimizerState is the serialisable optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Wrapf(checkpoints.ErrIncompatible, "state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// New returns the optimizer registered under name ("adam" or "sgd").
func New(name string, learningRate float64) (Optimizer, error) {
	switch name {
	case "adam", "Adam", "":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = learningRate
		return NewAdamOptimizer(cfg), nil
	case "sgd", "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = learningRate
		return NewSGDOptimizer(cfg), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}
