package optimizer

import (
	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/tensor"
)

// SGDOptimizerState represents SGD optimizer state
type SGDOptimizerState struct {
	// Hyperparameters
	LR          float64
	Momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float64
	Nesterov    bool

	MomentumBuffers [][]float64 // Only allocated if momentum > 0

	StepCount uint64

	bufferSizes []int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	buffers, sizes, err := allocateBuffers(weightShapes)
	if err != nil {
		return nil, err
	}
	sgd := &SGDOptimizerState{
		LR:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		bufferSizes: sizes,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = buffers
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params, grads []*tensor.Tensor) error {
	if err := checkStep(sgd.bufferSizes, params, grads); err != nil {
		return err
	}

	sgd.StepCount++
	for i, p := range params {
		g := grads[i].Data
		for j := range p.Data {
			d := g[j] + sgd.WeightDecay*p.Data[j]
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + d
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			p.Data[j] -= sgd.LR * d
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LR = newLR
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.LR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	if sgd.MomentumBuffers != nil {
		stateData = extractBuffers(sgd.MomentumBuffers, "momentum")
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LR,
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

	sgd.LR = extractFloatParam(state.Parameters, "learning_rate", sgd.LR)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		buffers := make([][]float64, len(sgd.bufferSizes))
		for i, n := range sgd.bufferSizes {
			buffers[i] = make([]float64, n)
		}
		sgd.MomentumBuffers = buffers
	}
	if sgd.MomentumBuffers == nil {
		return nil
	}
	return restoreBuffers(sgd.MomentumBuffers, state, "momentum")
}
