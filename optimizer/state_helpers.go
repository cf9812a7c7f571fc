package optimizer

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
)

// extractBufferState snapshots a state buffer for checkpointing
func extractBufferState(buffer []float64, shape []int, name, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if len(data) != len(buffer) {
		return errors.Wrapf(checkpoints.ErrIncompatible, "state tensor %s has %d values, expected %d", name, len(data), len(buffer))
	}
	copy(buffer, data)
	return nil
}

// allocateBuffers creates one zeroed buffer per parameter.
func allocateBuffers(params []*engine.Parameter) [][]float64 {
	buffers := make([][]float64, len(params))
	for i, p := range params {
		buffers[i] = make([]float64, p.Size())
	}
	return buffers
}

// extractFloatParam reads a float hyperparameter, accepting the types a
// state map can hold before and after a JSON round trip.
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
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

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}
