package optimizer

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-exchangeable/tensor"
)

func scalar(t *testing.T, v float64) *tensor.Tensor {
	t.Helper()
	out, err := tensor.NewTensor([]int{1}, []float64{v})
	require.NoError(t, err)
	return out
}

func TestAdamFirstStepIsSignScaled(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{1}, {1}})
	require.NoError(t, err)

	params := []*tensor.Tensor{scalar(t, 1), scalar(t, -2)}
	grads := []*tensor.Tensor{scalar(t, 0.5), scalar(t, -40)}
	require.NoError(t, adam.Step(params, grads))

	// Bias correction makes the first update lr·g/|g|.
	assert.InDelta(t, 0.999, params[0].Data[0], 1e-7)
	assert.InDelta(t, -1.999, params[1].Data[0], 1e-7)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"adam", Config{Type: "adam", LearningRate: 0.05, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}},
		{"sgd", Config{Type: "sgd", LearningRate: 0.1}},
		{"sgd momentum", Config{Type: "sgd", LearningRate: 0.05, Momentum: 0.9}},
		{"sgd nesterov", Config{Type: "sgd", LearningRate: 0.05, Momentum: 0.9, Nesterov: true}},
		{"rmsprop", Config{Type: "rmsprop", LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := New(tt.cfg, [][]int{{2}})
			require.NoError(t, err)

			w, err := tensor.NewTensor([]int{2}, []float64{0, 10})
			require.NoError(t, err)
			target := []float64{3, -1}

			for i := 0; i < 3000; i++ {
				g := tensor.MustZeros([]int{2})
				for j := range g.Data {
					g.Data[j] = 2 * (w.Data[j] - target[j])
				}
				require.NoError(t, opt.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}))
			}
			assert.InDeltaSlice(t, target, w.Data, 0.05)
		})
	}
}

func TestSGDUpdates(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.5}, [][]int{{1}})
	require.NoError(t, err)

	w := scalar(t, 1)
	g := scalar(t, 1)
	require.NoError(t, sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}))
	assert.InDelta(t, 0.9, w.Data[0], 1e-12)

	// buf = 0.5·1 + 1
	require.NoError(t, sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}))
	assert.InDelta(t, 0.75, w.Data[0], 1e-12)

	decay, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, [][]int{{1}})
	require.NoError(t, err)
	w = scalar(t, 2)
	require.NoError(t, decay.Step([]*tensor.Tensor{w}, []*tensor.Tensor{scalar(t, 0)}))
	assert.InDelta(t, 1.9, w.Data[0], 1e-12)
}

func TestRMSPropFirstStep(t *testing.T) {
	r, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.99, Epsilon: 1e-8}, [][]int{{1}})
	require.NoError(t, err)

	w := scalar(t, 0)
	require.NoError(t, r.Step([]*tensor.Tensor{w}, []*tensor.Tensor{scalar(t, 3)})) // sqrt(0.01·9) = 0.3
	assert.InDelta(t, -0.1, w.Data[0], 1e-6)
}

func TestStepValidation(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2}})
	require.NoError(t, err)

	w := tensor.MustZeros([]int{2})
	assert.Error(t, adam.Step([]*tensor.Tensor{w}, nil))
	assert.Error(t, adam.Step([]*tensor.Tensor{w}, []*tensor.Tensor{nil}))
	assert.Error(t, adam.Step([]*tensor.Tensor{w}, []*tensor.Tensor{scalar(t, 1)}))
	assert.Error(t, adam.Step(nil, nil))

	_, err = NewAdamOptimizer(DefaultAdamConfig(), nil)
	assert.Error(t, err)
	_, err = New(Config{Type: "lbfgs"}, [][]int{{1}})
	assert.Error(t, err)
}

func TestLearningRateUpdate(t *testing.T) {
	opt, err := New(DefaultConfig(), [][]int{{1}})
	require.NoError(t, err)
	assert.Equal(t, 1e-4, opt.LearningRate())

	opt.UpdateLearningRate(0.5)
	assert.Equal(t, 0.5, opt.LearningRate())
}

func TestStateRoundTripThroughJSON(t *testing.T) {
	shapes := [][]int{{2}, {1}}
	grads := []*tensor.Tensor{
		{Shape: []int{2}, Strides: []int{1}, Data: []float64{0.3, -0.2}},
		{Shape: []int{1}, Strides: []int{1}, Data: []float64{1.5}},
	}
	params := func() []*tensor.Tensor {
		return []*tensor.Tensor{
			{Shape: []int{2}, Strides: []int{1}, Data: []float64{1, 2}},
			{Shape: []int{1}, Strides: []int{1}, Data: []float64{-1}},
		}
	}

	for _, cfg := range []Config{
		{Type: "adam", LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{Type: "sgd", LearningRate: 0.01, Momentum: 0.9},
		{Type: "rmsprop", LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8, Momentum: 0.5},
	} {
		t.Run(cfg.Type, func(t *testing.T) {
			a, err := New(cfg, shapes)
			require.NoError(t, err)
			pa := params()
			for i := 0; i < 3; i++ {
				require.NoError(t, a.Step(pa, grads))
			}

			state, err := a.GetState()
			require.NoError(t, err)
			raw, err := json.Marshal(state)
			require.NoError(t, err)
			var decoded OptimizerState
			require.NoError(t, json.Unmarshal(raw, &decoded))

			b, err := New(cfg, shapes)
			require.NoError(t, err)
			require.NoError(t, b.LoadState(&decoded))
			assert.Equal(t, uint64(3), b.GetStepCount())

			pb := []*tensor.Tensor{pa[0].Clone(), pa[1].Clone()}
			require.NoError(t, a.Step(pa, grads))
			require.NoError(t, b.Step(pb, grads))
			for i := range pa {
				assert.InDeltaSlice(t, pa[i].Data, pb[i].Data, 1e-12)
			}
		})
	}
}

func TestLoadStateErrors(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2}})
	require.NoError(t, err)

	sgdState, err := (&SGDOptimizerState{}).GetState()
	require.NoError(t, err)
	assert.Error(t, adam.LoadState(sgdState))
	assert.Error(t, adam.LoadState(nil))

	state, err := adam.GetState()
	require.NoError(t, err)
	state.StateData[0].Name = "momentum_7"
	assert.Error(t, adam.LoadState(state))

	state, err = adam.GetState()
	require.NoError(t, err)
	state.StateData[1].Data = []float64{1}
	assert.Error(t, adam.LoadState(state))
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("momentum_0"))
	assert.Equal(t, 12, extractBufferIndex("squared_grad_avg_12"))
	assert.Equal(t, -1, extractBufferIndex("variance"))
	assert.Equal(t, -1, extractBufferIndex("variance_x"))
}
