// Package optimizer updates model parameters from their gradients. All
// optimizers keep their per-parameter state in host memory and can export
// it for checkpointing.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/tensor"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step performs a single optimization step, updating params in place.
	// grads must be aligned with params.
	Step(params, grads []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// LearningRate returns the current learning rate
	LearningRate() float64
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

var (
	_ Optimizer = (*AdamOptimizerState)(nil)
	_ Optimizer = (*SGDOptimizerState)(nil)
	_ Optimizer = (*RMSPropOptimizerState)(nil)
)

// Config selects and configures an optimizer. Fields that do not apply to
// the chosen type are ignored.
type Config struct {
	Type         string  `koanf:"type" json:"type" validate:"oneof=adam sgd rmsprop"`
	LearningRate float64 `koanf:"learning_rate" json:"learning_rate" validate:"gt=0"`
	Beta1        float64 `koanf:"beta1" json:"beta1" validate:"gte=0,lt=1"`
	Beta2        float64 `koanf:"beta2" json:"beta2" validate:"gte=0,lt=1"`
	Epsilon      float64 `koanf:"epsilon" json:"epsilon" validate:"gt=0"`
	WeightDecay  float64 `koanf:"weight_decay" json:"weight_decay" validate:"gte=0"`
	Momentum     float64 `koanf:"momentum" json:"momentum" validate:"gte=0,lt=1"`
	Nesterov     bool    `koanf:"nesterov" json:"nesterov"`
	Alpha        float64 `koanf:"alpha" json:"alpha" validate:"gte=0,lt=1"`
}

// DefaultConfig is Adam with the learning rate of the reference run.
func DefaultConfig() Config {
	adam := DefaultAdamConfig()
	return Config{
		Type:         "adam",
		LearningRate: 1e-4,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		Alpha:        DefaultRMSPropConfig().Alpha,
	}
}

// New creates the optimizer named by cfg.Type for parameters of the given
// shapes.
func New(cfg Config, shapes [][]int) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case "adam", "":
		return NewAdamOptimizer(AdamConfig{
			LearningRate: cfg.LearningRate,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		}, shapes)
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		}, shapes)
	case "rmsprop":
		return NewRMSPropOptimizer(RMSPropConfig{
			LearningRate: cfg.LearningRate,
			Alpha:        cfg.Alpha,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
			Momentum:     cfg.Momentum,
		}, shapes)
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", cfg.Type)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// checkStep verifies that params and grads line up with the buffers an
// optimizer allocated.
func checkStep(sizes []int, params, grads []*tensor.Tensor) error {
	if len(params) != len(sizes) {
		return fmt.Errorf("expected %d parameters, got %d", len(sizes), len(params))
	}
	if len(grads) != len(params) {
		return fmt.Errorf("gradients length (%d) doesn't match parameters length (%d)", len(grads), len(params))
	}
	for i := range params {
		if grads[i] == nil {
			return fmt.Errorf("missing gradient for parameter %d", i)
		}
		if len(params[i].Data) != sizes[i] || len(grads[i].Data) != sizes[i] {
			return fmt.Errorf("parameter %d: expected %d elements, got %d (gradient %d)",
				i, sizes[i], len(params[i].Data), len(grads[i].Data))
		}
	}
	return nil
}
