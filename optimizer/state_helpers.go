package optimizer

import (
	"fmt"

	"github.com/mesograd/mesograd/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a state vector for checkpointing
func extractBufferState(buffer []float64, stateType string) checkpoints.OptimizerTensor {
	data := make([]float64, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      stateType,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBuffers copies every tensor whose state type has a destination
// in buffers. Unknown state types are an error.
func restoreBuffers(tensors []checkpoints.OptimizerTensor, buffers map[string][]float64) error {
	for _, tensor := range tensors {
		dst, ok := buffers[tensor.StateType]
		if !ok {
			return fmt.Errorf("unexpected state tensor %s (%s)", tensor.Name, tensor.StateType)
		}
		if len(tensor.Data) != len(dst) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				tensor.Name, len(dst), len(tensor.Data))
		}
		copy(dst, tensor.Data)
	}
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
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
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
