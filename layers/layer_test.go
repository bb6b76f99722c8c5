package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-exchangeable/sparse"
)

func TestCompileDefaultArchitecture(t *testing.T) {
	spec, err := Build(1, DefaultEncoder(), DefaultDecoder(), DefaultDefaults())
	require.NoError(t, err)

	assert.True(t, spec.Compiled)
	assert.Equal(t, 1, spec.InputFeatures)
	assert.Equal(t, 5, spec.LatentFeatures)
	assert.Equal(t, 1, spec.OutputFeatures)

	// 4·K·U + U per exchangeable layer; the first decoder layer sees 2·5 features.
	assert.Equal(t, int64(160+4128+645+1312+4128+129), spec.TotalParameters)
	assert.Len(t, spec.ParameterShapes, 6*exchangeableParams)
	assert.Len(t, spec.ParameterNames, len(spec.ParameterShapes))

	assert.Equal(t, []int{-1, -1, 10}, spec.Decoder[0].InputShape)
	assert.Equal(t, []int{10, 32}, spec.Decoder[0].ParameterShapes[ThetaSelf])
	assert.Equal(t, []int{32}, spec.Decoder[0].ParameterShapes[Bias])
	assert.Equal(t, "max", spec.Encoder[3].Parameters["pool_mode"])
	assert.Equal(t, "relu", spec.Encoder[0].Parameters["activation"])
	assert.Equal(t, "linear", spec.Encoder[2].Parameters["activation"])

	summary := spec.Summary()
	assert.Contains(t, summary, "Total Parameters: 10502")
	assert.Contains(t, summary, "enc_pool3 (MatrixPoolSparse)")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *ModelBuilder
	}{
		{"empty encoder", func() *ModelBuilder { return NewModelBuilder(1) }},
		{"encoder without pool", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(4, "relu", "mean", "")
		}},
		{"empty decoder", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(4, "relu", "mean", "").AddPool("max", "")
		}},
		{"dropout after pool", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(4, "relu", "mean", "").AddPool("max", "").
				AddDropout(0.5, "").AddExchangeable(1, "linear", "mean", "")
		}},
		{"max inside exchangeable", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(4, "relu", "max", "").AddPool("max", "").
				AddExchangeable(1, "linear", "mean", "")
		}},
		{"unknown activation", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(4, "swish", "mean", "").AddPool("max", "").
				AddExchangeable(1, "linear", "mean", "")
		}},
		{"bad dropout rate", func() *ModelBuilder {
			return NewModelBuilder(1).AddDropout(1, "").AddExchangeable(4, "relu", "mean", "").
				AddPool("max", "").AddExchangeable(1, "linear", "mean", "")
		}},
		{"zero units", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(0, "relu", "mean", "").AddPool("max", "").
				AddExchangeable(1, "linear", "mean", "")
		}},
		{"unknown pool mode", func() *ModelBuilder {
			return NewModelBuilder(1).AddExchangeable(4, "relu", "mean", "").AddPool("median", "").
				AddExchangeable(1, "linear", "mean", "")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			assert.Error(t, err)
		})
	}

	_, err := NewModelBuilder(1).GetCompiledModel()
	assert.Error(t, err)
}

func TestParseLayerType(t *testing.T) {
	lt, err := ParseLayerType("Matrix_Pool_Sparse")
	require.NoError(t, err)
	assert.Equal(t, MatrixPoolSparse, lt)

	_, err = ParseLayerType("dense")
	assert.Error(t, err)
}

func TestDefinitionsFallBackToDefaults(t *testing.T) {
	d := DefaultDefaults()
	spec, err := Build(1,
		[]Definition{
			{Type: "matrix_dropout_sparse"},
			{Type: "matrix_sparse", Units: 8, Name: "first"},
			{Type: "matrix_pool_sparse", PoolMode: "mean"},
		},
		[]Definition{{Type: "matrix_sparse", Units: 1, Activation: "none"}},
		d)
	require.NoError(t, err)

	assert.Equal(t, 0.5, spec.Encoder[0].Parameters["rate"])
	assert.Equal(t, "first", spec.Encoder[1].Name)
	assert.Equal(t, "mean", spec.Encoder[1].Parameters["pool_mode"])
	assert.Equal(t, "mean", spec.Encoder[2].Parameters["pool_mode"])
	assert.Equal(t, "none", spec.Decoder[0].Parameters["activation"])
	assert.Equal(t, 8, spec.LatentFeatures)

	_, err = Build(1, []Definition{{Type: "conv2d"}}, nil, d)
	assert.Error(t, err)
}

func TestNewModelRequiresCompiledSpec(t *testing.T) {
	_, err := NewModel(&ModelSpec{})
	assert.ErrorIs(t, err, ErrNotCompiled)
}

func TestModelInitialization(t *testing.T) {
	spec := smallSpec(t, "tanh", "max")
	m, err := NewModel(spec, WithSeed(1))
	require.NoError(t, err)

	require.Len(t, m.Params, len(spec.ParameterShapes))
	for i, p := range m.Params {
		assert.Equal(t, spec.ParameterShapes[i], p.Shape)
	}
	// Biases start at zero.
	assert.Equal(t, []float64{0, 0, 0}, m.Params[Bias].Data)
	// θ self, col, row, global of each of the three exchangeable layers.
	assert.Len(t, m.Regularized(), 12)

	err = m.SetParams(m.Params[:2])
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestForwardRejectsBadInput(t *testing.T) {
	m, err := NewModel(smallSpec(t, "tanh", "max"), WithSeed(1))
	require.NoError(t, err)

	_, err = m.Forward(Batch{}, false)
	assert.ErrorIs(t, err, ErrBadInput)

	in := ratingsInput(t)
	in.Shape = []int{4, 3, 2}
	_, err = m.Forward(Batch{Input: in, MaskIndices: in.CellIndices()}, false)
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestForwardOutputFollowsMask(t *testing.T) {
	m, err := NewModel(smallSpec(t, "relu", "max"), WithSeed(2))
	require.NoError(t, err)

	in := ratingsInput(t)
	mask := [][]int{{0, 0}, {3, 2}, {1, 1}, {2, 0}, {0, 2}}
	tr, err := m.Forward(Batch{Input: in, MaskIndices: mask}, false)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 3, 1}, tr.Output.Shape)
	assert.Equal(t, sparse.ExpandIndices(mask, 1), tr.Output.Indices)
	assert.Equal(t, []int{4, 1, 4}, tr.NVec.Shape)
	assert.Equal(t, []int{1, 3, 4}, tr.MVec.Shape)

	preds, err := m.Predict(Batch{Input: in, MaskIndices: mask})
	require.NoError(t, err)
	assert.Equal(t, tr.Predictions(), preds)
}

func TestPermutationEquivariance(t *testing.T) {
	for _, poolMode := range []string{"max", "mean", "sum"} {
		t.Run(poolMode, func(t *testing.T) {
			m, err := NewModel(smallSpec(t, "tanh", poolMode), WithSeed(3), WithInitStd(0.5))
			require.NoError(t, err)

			in := ratingsInput(t)
			mask := in.CellIndices()
			tr, err := m.Forward(Batch{Input: in, MaskIndices: mask}, false)
			require.NoError(t, err)

			rowPerm := []int{2, 0, 3, 1}
			colPerm := []int{1, 2, 0}
			permute := func(idx []int) []int {
				out := append([]int(nil), idx...)
				out[0], out[1] = rowPerm[idx[0]], colPerm[idx[1]]
				return out
			}

			pIn := in.Clone()
			for i := range pIn.Indices {
				pIn.Indices[i] = permute(in.Indices[i])
			}
			pMask := make([][]int, len(mask))
			for i := range mask {
				pMask[i] = permute(mask[i])
			}

			pTr, err := m.Forward(Batch{Input: pIn, MaskIndices: pMask}, false)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tr.Predictions(), pTr.Predictions(), 1e-12)
		})
	}
}

func TestDropoutOnlyWhileTraining(t *testing.T) {
	b := NewModelBuilder(1).
		AddDropout(0.5, "").
		AddExchangeable(3, "relu", "mean", "").
		AddPool("max", "").
		AddExchangeable(1, "linear", "mean", "")
	spec, err := b.Compile()
	require.NoError(t, err)

	m, err := NewModel(spec, WithSeed(4), WithInitStd(0.5))
	require.NoError(t, err)

	in := ratingsInput(t)
	batch := Batch{Input: in, MaskIndices: in.CellIndices()}

	a, err := m.Forward(batch, false)
	require.NoError(t, err)
	c, err := m.Forward(batch, false)
	require.NoError(t, err)
	assert.Equal(t, a.Predictions(), c.Predictions())

	tr, err := m.Forward(batch, true)
	require.NoError(t, err)
	// Dropout thins the encoder input but every masked cell is decoded.
	assert.Len(t, tr.Predictions(), len(batch.MaskIndices))
	assert.Less(t, len(tr.caches[1].x.Values), len(in.Values))

	grads, err := m.Backward(tr, make([]float64, len(tr.Predictions())))
	require.NoError(t, err)
	assert.Len(t, grads, len(m.Params))
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	m, err := NewModel(smallSpec(t, "tanh", "mean"), WithSeed(5), WithInitStd(0.5))
	require.NoError(t, err)

	in := ratingsInput(t)
	batch := Batch{Input: in, MaskIndices: [][]int{{0, 0}, {0, 1}, {1, 2}, {2, 1}, {3, 0}, {3, 2}, {1, 0}}}

	tr, err := m.Forward(batch, true)
	require.NoError(t, err)
	upstream := make([]float64, len(tr.Predictions()))
	for i := range upstream {
		upstream[i] = 0.4*float64(i) - 1
	}

	grads, err := m.Backward(tr, upstream)
	require.NoError(t, err)

	loss := func() float64 {
		tr, err := m.Forward(batch, true)
		require.NoError(t, err)
		var s float64
		for i, v := range tr.Predictions() {
			s += v * upstream[i]
		}
		return s
	}

	const eps = 1e-6
	for p, param := range m.Params {
		for i := range param.Data {
			orig := param.Data[i]
			param.Data[i] = orig + eps
			plus := loss()
			param.Data[i] = orig - eps
			minus := loss()
			param.Data[i] = orig

			assert.InDelta(t, (plus-minus)/(2*eps), grads[p].Data[i], 1e-5,
				"%s[%d]", m.Spec.ParameterNames[p], i)
		}
	}

	_, err = m.Backward(tr, upstream[:2])
	assert.ErrorIs(t, err, sparse.ErrLengthMismatch)
}

func smallSpec(t *testing.T, activation, poolMode string) *ModelSpec {
	t.Helper()
	spec, err := NewModelBuilder(1).
		AddExchangeable(3, activation, "mean", "").
		AddExchangeable(4, activation, "sum", "").
		AddPool(poolMode, "").
		AddExchangeable(1, "linear", "mean", "").
		Compile()
	require.NoError(t, err)
	return spec
}

// ratingsInput is a 4x3 ratings matrix with 8 observed entries.
func ratingsInput(t *testing.T) *sparse.Tensor {
	t.Helper()
	s, err := sparse.New(
		[][]int{{0, 0, 0}, {0, 2, 0}, {1, 0, 0}, {1, 1, 0}, {2, 1, 0}, {2, 2, 0}, {3, 0, 0}, {3, 2, 0}},
		[]float64{5, 3, 4, 1, 2, 5, 3, 4},
		[]int{4, 3, 1},
	)
	require.NoError(t, err)
	return s
}
