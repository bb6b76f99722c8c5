package sparse

import (
	"fmt"

	"github.com/tsawler/go-exchangeable/tensor"
)

// CheckBroadcast reports whether pooled has the shape Reduce(s, _, axis)
// would produce, which guarantees every lookup in BroadcastAdd succeeds.
func CheckBroadcast(s *Tensor, pooled *tensor.Tensor, axis Axis) error {
	want, err := pooledShape(s, axis)
	if err != nil {
		return err
	}
	if !tensor.ShapesEqual(want, pooled.Shape) {
		return fmt.Errorf("%w: pooled shape %v, want %v for axis %v", ErrShapeMismatch, pooled.Shape, want, axis)
	}
	return nil
}

// BroadcastAdd adds the pooled statistic of each entry's row (AxisRow),
// column (AxisCol) or the global statistic (AxisGlobal) to the entry. The
// output has exactly the support of s.
//
// The pooled shape is checked up front; a stored coordinate outside
// s.Shape is a broken invariant and panics.
func BroadcastAdd(s *Tensor, pooled *tensor.Tensor, axis Axis) (*Tensor, error) {
	if err := CheckBroadcast(s, pooled, axis); err != nil {
		return nil, err
	}
	values := make([]float64, len(s.Values))
	for i, v := range s.Values {
		values[i] = v + pooled.Data[segment(s, axis, i)]
	}
	return &Tensor{Indices: s.Indices, Values: values, Shape: s.Shape}, nil
}

// BroadcastAddGrad sums the output gradient of BroadcastAdd into the pooled
// shape. The gradient for s's values is gradOut itself.
func BroadcastAddGrad(s *Tensor, gradOut []float64, axis Axis) (*tensor.Tensor, error) {
	if len(gradOut) != len(s.Values) {
		return nil, fmt.Errorf("%w: %d gradients for %d entries", ErrLengthMismatch, len(gradOut), len(s.Values))
	}
	shape, err := pooledShape(s, axis)
	if err != nil {
		return nil, err
	}
	out := tensor.MustZeros(shape)
	for i, g := range gradOut {
		out.Data[segment(s, axis, i)] += g
	}
	return out, nil
}
