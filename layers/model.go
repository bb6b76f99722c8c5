package layers

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/go-exchangeable/sparse"
	"github.com/tsawler/go-exchangeable/tensor"
)

// DefaultInitStd is the standard deviation of the normal weight initializer.
const DefaultInitStd = 0.01

var (
	// ErrNotCompiled is returned when a model is built from an uncompiled spec.
	ErrNotCompiled = errors.New("layers: model spec is not compiled")

	// ErrBadInput is returned when a batch does not match the model.
	ErrBadInput = errors.New("layers: batch does not match model")
)

// Batch is the state passed from layer to layer. Input holds the observed
// entries as a [N,M,K] sparse tensor. MaskIndices lists the (row, col)
// cells the decoder reconstructs; the output runs follow its order. After
// the pool layer Input is nil and NVec [N,1,K] and MVec [1,M,K] carry the
// row and column factors.
type Batch struct {
	Input       *sparse.Tensor
	MaskIndices [][]int
	Shape       []int
	NVec        *tensor.Tensor
	MVec        *tensor.Tensor
}

// Trace keeps what Backward needs from a forward pass.
type Trace struct {
	// Output is [N,M,OutputFeatures] with one run per MaskIndices entry.
	Output *sparse.Tensor
	// NVec and MVec are the pooled row and column factors.
	NVec *tensor.Tensor
	MVec *tensor.Tensor

	maskIndices [][]int
	caches      []layerCache
}

// Predictions returns the output values, one run per reconstructed cell.
func (tr *Trace) Predictions() []float64 {
	return tr.Output.Values
}

type layerCache struct {
	x    *sparse.Tensor
	exch *exchangeableCache
	drop *sparse.DropoutMask
	// x was built from the pooled factors
	factors bool
}

type step struct {
	spec   *LayerSpec
	exch   *exchangeable
	mode   sparse.ReduceMode
	rate   float64
	offset int
}

// Model holds the parameters of a compiled factorized autoencoder.
type Model struct {
	Spec   *ModelSpec
	Params []*tensor.Tensor

	steps       []step
	regularized []int
	rng         *rand.Rand
	scaling     sparse.DropoutScaling
	initStd     float64
}

// Option configures a Model.
type Option func(*Model)

// WithSeed seeds weight initialization and dropout.
func WithSeed(seed uint64) Option {
	return func(m *Model) {
		m.rng = rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	}
}

// WithRand uses r for weight initialization and dropout.
func WithRand(r *rand.Rand) Option {
	return func(m *Model) {
		m.rng = r
	}
}

// WithDropoutScaling selects how dropout rescales surviving entries.
func WithDropoutScaling(s sparse.DropoutScaling) Option {
	return func(m *Model) {
		m.scaling = s
	}
}

// WithInitStd sets the standard deviation of the weight initializer.
func WithInitStd(std float64) Option {
	return func(m *Model) {
		m.initStd = std
	}
}

// NewModel allocates and initializes the parameters of spec. Weights are
// drawn from N(0, initStd²) and biases start at zero.
func NewModel(spec *ModelSpec, opts ...Option) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, ErrNotCompiled
	}

	m := &Model{
		Spec:    spec,
		scaling: sparse.DropoutReference,
		initStd: DefaultInitStd,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	offset := 0
	addSteps := func(specs []LayerSpec) error {
		for i := range specs {
			ls := &specs[i]
			st := step{spec: ls, offset: offset}
			switch ls.Type {
			case MatrixSparse:
				exch, err := newExchangeable(ls)
				if err != nil {
					return fmt.Errorf("layer %s: %w", ls.Name, err)
				}
				st.exch = exch
				for p := ThetaSelf; p < Bias; p++ {
					m.regularized = append(m.regularized, offset+p)
				}
			case MatrixPoolSparse:
				mode, err := sparse.ParseReduceMode(getStringParam(ls.Parameters, "pool_mode", "max"))
				if err != nil {
					return fmt.Errorf("layer %s: %w", ls.Name, err)
				}
				st.mode = mode
			case MatrixDropoutSparse:
				st.rate = getFloatParam(ls.Parameters, "rate", 0.5)
			}
			offset += len(ls.ParameterShapes)
			m.steps = append(m.steps, st)
		}
		return nil
	}
	if err := addSteps(spec.Encoder); err != nil {
		return nil, err
	}
	if err := addSteps(spec.Decoder); err != nil {
		return nil, err
	}

	m.Params = make([]*tensor.Tensor, len(spec.ParameterShapes))
	for i, shape := range spec.ParameterShapes {
		var err error
		if len(shape) == 1 {
			m.Params[i], err = tensor.Zeros(shape)
		} else {
			m.Params[i], err = tensor.RandomNormal(shape, 0, m.initStd, m.rng)
		}
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", spec.ParameterNames[i], err)
		}
	}

	return m, nil
}

// Regularized returns the indices into Params of the weights that carry an
// L2 penalty. Biases are not regularized.
func (m *Model) Regularized() []int {
	return m.regularized
}

// SetParams replaces the parameters after checking their shapes.
func (m *Model) SetParams(params []*tensor.Tensor) error {
	if len(params) != len(m.Spec.ParameterShapes) {
		return fmt.Errorf("%w: got %d parameters, model has %d", ErrBadInput, len(params), len(m.Spec.ParameterShapes))
	}
	for i, p := range params {
		if !tensor.ShapesEqual(p.Shape, m.Spec.ParameterShapes[i]) {
			return fmt.Errorf("%w: parameter %s has shape %v, want %v",
				ErrBadInput, m.Spec.ParameterNames[i], p.Shape, m.Spec.ParameterShapes[i])
		}
	}
	m.Params = params
	return nil
}

// Forward runs the encoder on batch.Input, pools it into row and column
// factors and decodes those at batch.MaskIndices. Dropout is only active
// when training is true.
func (m *Model) Forward(batch Batch, training bool) (*Trace, error) {
	x := batch.Input
	if x == nil || x.Rank() != 3 {
		return nil, fmt.Errorf("%w: input must be a rank 3 sparse tensor", ErrBadInput)
	}
	if x.Features() != m.Spec.InputFeatures {
		return nil, fmt.Errorf("%w: input has %d features, model expects %d", ErrBadInput, x.Features(), m.Spec.InputFeatures)
	}

	tr := &Trace{
		maskIndices: batch.MaskIndices,
		caches:      make([]layerCache, len(m.steps)),
	}
	state := batch
	if state.Shape == nil {
		state.Shape = x.Shape[:2]
	}

	for i, st := range m.steps {
		next, cache, err := m.forwardStep(st, state, training)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", st.spec.Name, err)
		}
		tr.caches[i] = cache
		state = next
	}

	tr.Output = state.Input
	tr.NVec, tr.MVec = state.NVec, state.MVec
	return tr, nil
}

func (m *Model) forwardStep(st step, in Batch, training bool) (Batch, layerCache, error) {
	out := in
	switch st.spec.Type {
	case MatrixSparse:
		x := in.Input
		if x == nil {
			if in.NVec == nil || in.MVec == nil {
				return out, layerCache{}, fmt.Errorf("%w: no input and no pooled factors", ErrBadInput)
			}
			var err error
			if x, err = sparse.FromFactors(in.NVec, in.MVec, in.MaskIndices); err != nil {
				return out, layerCache{}, err
			}
		}
		y, cache, err := st.exch.forward(x, m.Params[st.offset:st.offset+exchangeableParams])
		if err != nil {
			return out, layerCache{}, err
		}
		out.Input = y
		return out, layerCache{x: x, exch: cache, factors: in.Input == nil}, nil

	case MatrixPoolSparse:
		nvec, err := sparse.Reduce(in.Input, st.mode, sparse.AxisRow)
		if err != nil {
			return out, layerCache{}, err
		}
		mvec, err := sparse.Reduce(in.Input, st.mode, sparse.AxisCol)
		if err != nil {
			return out, layerCache{}, err
		}
		out.Input, out.NVec, out.MVec = nil, nvec, mvec
		return out, layerCache{x: in.Input}, nil

	default:
		y, mask, err := sparse.Dropout(in.Input, st.rate, training, m.rng, m.scaling)
		if err != nil {
			return out, layerCache{}, err
		}
		out.Input = y
		return out, layerCache{x: in.Input, drop: mask}, nil
	}
}

// Backward takes the gradient of the loss with respect to tr.Output.Values
// and returns one gradient per parameter, aligned with Params.
func (m *Model) Backward(tr *Trace, gradOut []float64) ([]*tensor.Tensor, error) {
	if len(gradOut) != len(tr.Output.Values) {
		return nil, fmt.Errorf("%w: %d gradients for %d outputs", sparse.ErrLengthMismatch, len(gradOut), len(tr.Output.Values))
	}

	grads := make([]*tensor.Tensor, len(m.Params))
	g := gradOut
	var gradN, gradM *tensor.Tensor

	for i := len(m.steps) - 1; i >= 0; i-- {
		st, cache := m.steps[i], tr.caches[i]
		var err error
		switch st.spec.Type {
		case MatrixSparse:
			params := m.Params[st.offset : st.offset+exchangeableParams]
			gradX, pg, err := st.exch.backward(cache.exch, params, g)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", st.spec.Name, err)
			}
			copy(grads[st.offset:], pg)
			if cache.factors {
				gradN, gradM, err = sparse.FromFactorsGrad(tr.maskIndices, gradX,
					tr.NVec.Shape[0], tr.MVec.Shape[1], tr.NVec.Shape[2])
				if err != nil {
					return nil, fmt.Errorf("layer %s: %w", st.spec.Name, err)
				}
				g = nil
			} else {
				g = gradX
			}

		case MatrixPoolSparse:
			rowGrad, err := sparse.ReduceGrad(cache.x, st.mode, sparse.AxisRow, gradN)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", st.spec.Name, err)
			}
			colGrad, err := sparse.ReduceGrad(cache.x, st.mode, sparse.AxisCol, gradM)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", st.spec.Name, err)
			}
			for k := range rowGrad {
				rowGrad[k] += colGrad[k]
			}
			g = rowGrad

		case MatrixDropoutSparse:
			if g, err = sparse.DropoutGrad(cache.drop, g); err != nil {
				return nil, fmt.Errorf("layer %s: %w", st.spec.Name, err)
			}
		}
	}

	return grads, nil
}

// Predict runs an inference pass and returns one prediction run per
// reconstructed cell.
func (m *Model) Predict(batch Batch) ([]float64, error) {
	tr, err := m.Forward(batch, false)
	if err != nil {
		return nil, err
	}
	return tr.Predictions(), nil
}
