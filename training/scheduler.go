package training

import (
	"fmt"
	"math"
)

// LRScheduler maps an epoch to a learning rate. Schedulers other than
// ReduceLROnPlateau are pure functions of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for epoch, starting from baseLR.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MetricScheduler is a scheduler driven by the validation metric.
type MetricScheduler interface {
	LRScheduler
	// Step records the metric of a finished epoch and returns the learning
	// rate for the next one.
	Step(metric, currentLR float64) float64
}

// SchedulerConfig selects and parameterizes a scheduler.
type SchedulerConfig struct {
	Type      string  `koanf:"type" json:"type" validate:"omitempty,oneof=none step exponential cosine plateau"`
	StepSize  int     `koanf:"step_size" json:"step_size,omitempty" validate:"gte=0"`
	Gamma     float64 `koanf:"gamma" json:"gamma,omitempty" validate:"gte=0"`
	TMax      int     `koanf:"t_max" json:"t_max,omitempty" validate:"gte=0"`
	EtaMin    float64 `koanf:"eta_min" json:"eta_min,omitempty" validate:"gte=0"`
	Factor    float64 `koanf:"factor" json:"factor,omitempty" validate:"gte=0"`
	Patience  int     `koanf:"patience" json:"patience,omitempty" validate:"gte=0"`
	Threshold float64 `koanf:"threshold" json:"threshold,omitempty" validate:"gte=0"`
}

// NewScheduler builds the scheduler named by cfg.Type. Zero fields take
// each scheduler's defaults.
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch cfg.Type {
	case "", "none":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Type)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from baseLR to EtaMin over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler multiplies the learning rate by Factor after
// Patience epochs without the validation loss improving by Threshold.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold <= 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
	}
}

func (s *ReduceLROnPlateauScheduler) Step(metric, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	if metric < s.bestMetric-s.Threshold {
		s.bestMetric = metric
		s.badEpochs = 0
		return s.currentLR
	}

	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.currentLR *= s.Factor
		s.badEpochs = 0
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler keeps the learning rate constant.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
