package optimizer

import (
	"fmt"

	"github.com/tsawler/go-exchangeable/checkpoints"
)

// Common helper functions for optimizer state management

func allocateBuffers(shapes [][]int) ([][]float64, []int, error) {
	if len(shapes) == 0 {
		return nil, nil, fmt.Errorf("no weight shapes provided")
	}
	buffers := make([][]float64, len(shapes))
	sizes := make([]int, len(shapes))
	for i, shape := range shapes {
		sizes[i] = calculateTensorSize(shape)
		if sizes[i] <= 0 {
			return nil, nil, fmt.Errorf("weight %d has invalid shape %v", i, shape)
		}
		buffers[i] = make([]float64, sizes[i])
	}
	return buffers, sizes, nil
}

// calculateTensorSize calculates the number of elements in a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// extractBufferState copies one state buffer for checkpointing
func extractBufferState(buffer []float64, name, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

func extractBuffers(buffers [][]float64, prefix string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(buffers))
	for i, b := range buffers {
		out = append(out, extractBufferState(b, fmt.Sprintf("%s_%d", prefix, i), prefix))
	}
	return out
}

// restoreBuffers copies every state tensor of stateType back into buffers,
// locating the buffer by the index suffix of the tensor name.
func restoreBuffers(buffers [][]float64, state *OptimizerState, stateType string) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != len(buffers[idx]) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(buffers[idx]), len(t.Data))
		}
		copy(buffers[idx], t.Data)
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
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

// State maps hold float64 after a JSON round trip and native types before.

func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return defaultValue
}

func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return defaultValue
}
