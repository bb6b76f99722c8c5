package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.expectedLR, scheduler.GetLR(tt.epoch, 0.1), 1e-12, "epoch %d", tt.epoch)
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{5, 0.059049},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.expectedLR, scheduler.GetLR(tt.epoch, 0.1), 1e-12, "epoch %d", tt.epoch)
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)

	assert.InDelta(t, 0.01, scheduler.GetLR(0, 0.01), 1e-12)
	assert.InDelta(t, 0.006580, scheduler.GetLR(2, 0.01), 1e-6)
	assert.Equal(t, 0.0001, scheduler.GetLR(5, 0.01))
	assert.Equal(t, 0.0001, scheduler.GetLR(10, 0.01))
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01)

	assert.Equal(t, 0.3, scheduler.GetLR(0, 0.3), "uninitialized scheduler returns the base rate")

	lr := scheduler.Step(1.0, 0.1)
	assert.Equal(t, 0.1, lr)
	lr = scheduler.Step(0.98, lr)
	assert.Equal(t, 0.1, lr, "improvement")
	lr = scheduler.Step(0.99, lr)
	assert.Equal(t, 0.1, lr, "first bad epoch")
	lr = scheduler.Step(0.99, lr)
	assert.Equal(t, 0.05, lr, "patience exhausted")
	assert.Equal(t, 0.05, scheduler.GetLR(7, 0.3))
}

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		cfg      SchedulerConfig
		expected string
	}{
		{SchedulerConfig{}, "ConstantLR"},
		{SchedulerConfig{Type: "none"}, "ConstantLR"},
		{SchedulerConfig{Type: "step", StepSize: 10, Gamma: 0.5}, "StepLR"},
		{SchedulerConfig{Type: "exponential"}, "ExponentialLR"},
		{SchedulerConfig{Type: "cosine", TMax: 50}, "CosineAnnealingLR"},
		{SchedulerConfig{Type: "plateau"}, "ReduceLROnPlateau"},
	}
	for _, tt := range tests {
		s, err := NewScheduler(tt.cfg)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, s.GetName())
	}

	s, err := NewScheduler(SchedulerConfig{Type: "plateau"})
	require.NoError(t, err)
	_, ok := s.(MetricScheduler)
	assert.True(t, ok)

	_, err = NewScheduler(SchedulerConfig{Type: "warmup"})
	assert.Error(t, err)
}

func TestSchedulerDefaults(t *testing.T) {
	step := NewStepLRScheduler(0, 2)
	assert.Equal(t, 30, step.StepSize)
	assert.Equal(t, 0.1, step.Gamma)

	assert.Equal(t, 0.95, NewExponentialLRScheduler(0).Gamma)
	assert.Equal(t, 100, NewCosineAnnealingLRScheduler(0, -1).TMax)

	plateau := NewReduceLROnPlateauScheduler(0, 0, 0)
	assert.Equal(t, 0.1, plateau.Factor)
	assert.Equal(t, 10, plateau.Patience)
}
