package optimizer

import (
	"math"

	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/tensor"
)

// RMSPropOptimizerState represents RMSProp optimizer state
type RMSPropOptimizerState struct {
	LR          float64
	Alpha       float64 // Smoothing constant (typically 0.99)
	Epsilon     float64
	WeightDecay float64
	Momentum    float64

	SquaredGradAvgBuffers [][]float64
	MomentumBuffers       [][]float64 // nil unless momentum > 0

	StepCount uint64

	bufferSizes []int
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig, weightShapes [][]int) (*RMSPropOptimizerState, error) {
	sq, sizes, err := allocateBuffers(weightShapes)
	if err != nil {
		return nil, err
	}
	r := &RMSPropOptimizerState{
		LR:                    config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		SquaredGradAvgBuffers: sq,
		bufferSizes:           sizes,
	}
	if config.Momentum > 0 {
		r.MomentumBuffers, _, _ = allocateBuffers(weightShapes)
	}
	return r, nil
}

// Step performs a single RMSProp optimization step
func (r *RMSPropOptimizerState) Step(params, grads []*tensor.Tensor) error {
	if err := checkStep(r.bufferSizes, params, grads); err != nil {
		return err
	}

	r.StepCount++
	for i, p := range params {
		sq, g := r.SquaredGradAvgBuffers[i], grads[i].Data
		for j := range p.Data {
			gj := g[j] + r.WeightDecay*p.Data[j]
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*gj*gj
			d := gj / (math.Sqrt(sq[j]) + r.Epsilon)
			if r.MomentumBuffers != nil {
				buf := r.MomentumBuffers[i]
				buf[j] = r.Momentum*buf[j] + d
				d = buf[j]
			}
			p.Data[j] -= r.LR * d
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (r *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	r.LR = newLR
}

// LearningRate returns the current learning rate
func (r *RMSPropOptimizerState) LearningRate() float64 {
	return r.LR
}

// GetStepCount returns the current step count
func (r *RMSPropOptimizerState) GetStepCount() uint64 {
	return r.StepCount
}

// GetState extracts optimizer state for checkpointing
func (r *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(r.bufferSizes))
	stateData = append(stateData, extractBuffers(r.SquaredGradAvgBuffers, "squared_grad_avg")...)
	if r.MomentumBuffers != nil {
		stateData = append(stateData, extractBuffers(r.MomentumBuffers, "momentum")...)
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": r.LR,
			"alpha":         r.Alpha,
			"epsilon":       r.Epsilon,
			"weight_decay":  r.WeightDecay,
			"momentum":      r.Momentum,
			"step_count":    r.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	r.LR = extractFloatParam(state.Parameters, "learning_rate", r.LR)
	r.Alpha = extractFloatParam(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloatParam(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", r.WeightDecay)
	r.StepCount = extractUint64Param(state.Parameters, "step_count", r.StepCount)

	if err := restoreBuffers(r.SquaredGradAvgBuffers, state, "squared_grad_avg"); err != nil {
		return err
	}
	if r.MomentumBuffers == nil {
		return nil
	}
	return restoreBuffers(r.MomentumBuffers, state, "momentum")
}
