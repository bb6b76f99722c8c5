package sparse

import (
	"fmt"
	"math"
	"strings"
)

// Activation is an elementwise function with its derivative. Derivative
// receives the pre-activation input x and the output y = Fn(x).
type Activation struct {
	Name       string
	Fn         func(x float64) float64
	Derivative func(x, y float64) float64
}

var (
	Identity = Activation{
		Name:       "linear",
		Fn:         func(x float64) float64 { return x },
		Derivative: func(_, _ float64) float64 { return 1 },
	}

	ReLU = Activation{
		Name: "relu",
		Fn:   func(x float64) float64 { return math.Max(0, x) },
		Derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}

	Tanh = Activation{
		Name:       "tanh",
		Fn:         math.Tanh,
		Derivative: func(_, y float64) float64 { return 1 - y*y },
	}

	Sigmoid = Activation{
		Name:       "sigmoid",
		Fn:         func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		Derivative: func(_, y float64) float64 { return y * (1 - y) },
	}

	// ELU with alpha = 1.
	ELU = Activation{
		Name: "elu",
		Fn: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return math.Expm1(x)
		},
		Derivative: func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			return y + 1
		},
	}
)

// ActivationByName resolves a configured activation. The empty string,
// "none", "identity" and "linear" all mean Identity.
func ActivationByName(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "identity", "linear":
		return Identity, nil
	case "relu":
		return ReLU, nil
	case "tanh":
		return Tanh, nil
	case "sigmoid":
		return Sigmoid, nil
	case "elu":
		return ELU, nil
	default:
		return Activation{}, fmt.Errorf("%w: %q", ErrUnknownActivation, name)
	}
}

// ApplyActivation maps act over the stored values. Absent cells stay absent
// even when act(0) != 0.
func ApplyActivation(s *Tensor, act Activation) *Tensor {
	values := make([]float64, len(s.Values))
	for i, v := range s.Values {
		values[i] = act.Fn(v)
	}
	return &Tensor{Indices: s.Indices, Values: values, Shape: s.Shape}
}

// ApplyActivationGrad returns dL/dpre given the pre-activation values, the
// activation output and dL/dout.
func ApplyActivationGrad(act Activation, pre, out, gradOut []float64) ([]float64, error) {
	if len(pre) != len(out) || len(pre) != len(gradOut) {
		return nil, fmt.Errorf("%w: pre=%d out=%d grad=%d", ErrLengthMismatch, len(pre), len(out), len(gradOut))
	}
	grad := make([]float64, len(pre))
	for i := range pre {
		grad[i] = gradOut[i] * act.Derivative(pre[i], out[i])
	}
	return grad, nil
}
