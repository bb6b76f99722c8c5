package optimizer

import (
	"math"

	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/tensor"
)

// AdamOptimizerState represents Adam optimizer state
type AdamOptimizerState struct {
	// Hyperparameters
	LR          float64
	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64
	WeightDecay float64 // L2 coefficient added to each gradient

	MomentumBuffers [][]float64 // First moment for each weight tensor
	VarianceBuffers [][]float64 // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	bufferSizes []int
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

// NewAdamOptimizer creates a new Adam optimizer for weights of the given shapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	momentum, sizes, err := allocateBuffers(weightShapes)
	if err != nil {
		return nil, err
	}
	variance, _, err := allocateBuffers(weightShapes)
	if err != nil {
		return nil, err
	}

	return &AdamOptimizerState{
		LR:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: momentum,
		VarianceBuffers: variance,
		bufferSizes:     sizes,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads []*tensor.Tensor) error {
	if err := checkStep(adam.bufferSizes, params, grads); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	c1 := 1 - math.Pow(adam.Beta1, t)
	c2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range params {
		m, v, g := adam.MomentumBuffers[i], adam.VarianceBuffers[i], grads[i].Data
		for j := range p.Data {
			gj := g[j] + adam.WeightDecay*p.Data[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*gj
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			p.Data[j] -= adam.LR * (m[j] / c1) / (math.Sqrt(v[j]/c2) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LR = newLR
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.LR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.bufferSizes))
	stateData = append(stateData, extractBuffers(adam.MomentumBuffers, "momentum")...)
	stateData = append(stateData, extractBuffers(adam.VarianceBuffers, "variance")...)

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LR,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LR = extractFloatParam(state.Parameters, "learning_rate", adam.LR)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreBuffers(adam.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBuffers(adam.VarianceBuffers, state, "variance")
}
