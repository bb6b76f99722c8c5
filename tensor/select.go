package tensor

import (
	"fmt"
)

// Select carves the sub-block of t at the cross product of rows and cols.
// Trailing dimensions beyond the first two are copied whole, so a [N,M,K]
// tensor yields [len(rows),len(cols),K].
func (t *Tensor) Select(rows, cols []int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("%w: select needs rank >= 2, got %v", ErrDimensionMismatch, t.Shape)
	}
	if len(rows) == 0 || len(cols) == 0 {
		return nil, fmt.Errorf("%w: empty selection", ErrBadShape)
	}
	for _, r := range rows {
		if r < 0 || r >= t.Shape[0] {
			return nil, fmt.Errorf("%w: row %d not in [0,%d)", ErrOutOfRange, r, t.Shape[0])
		}
	}
	for _, c := range cols {
		if c < 0 || c >= t.Shape[1] {
			return nil, fmt.Errorf("%w: column %d not in [0,%d)", ErrOutOfRange, c, t.Shape[1])
		}
	}

	inner := 1
	for _, d := range t.Shape[2:] {
		inner *= d
	}

	shape := append([]int{len(rows), len(cols)}, t.Shape[2:]...)
	out := make([]float64, 0, len(rows)*len(cols)*inner)
	for _, r := range rows {
		for _, c := range cols {
			off := r*t.Strides[0] + c*t.Strides[1]
			out = append(out, t.Data[off:off+inner]...)
		}
	}

	return &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Data:    out,
	}, nil
}

// SumAxis sums a rank-2 tensor along axis, returning a rank-1 tensor.
// Axis 0 gives per-column totals and axis 1 per-row totals.
func (t *Tensor) SumAxis(axis int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: SumAxis needs rank 2, got %v", ErrDimensionMismatch, t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]

	switch axis {
	case 0:
		out := make([]float64, cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[j] += t.Data[i*cols+j]
			}
		}
		return &Tensor{Shape: []int{cols}, Strides: []int{1}, Data: out}, nil
	case 1:
		out := make([]float64, rows)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i] += t.Data[i*cols+j]
			}
		}
		return &Tensor{Shape: []int{rows}, Strides: []int{1}, Data: out}, nil
	default:
		return nil, fmt.Errorf("%w: axis %d for rank 2 tensor", ErrOutOfRange, axis)
	}
}

// Squeeze2D drops the trailing unit feature dimension of a [N,M,1] tensor.
func (t *Tensor) Squeeze2D() (*Tensor, error) {
	switch {
	case len(t.Shape) == 2:
		return t, nil
	case len(t.Shape) == 3 && t.Shape[2] == 1:
		return t.Reshape(t.Shape[:2])
	default:
		return nil, fmt.Errorf("%w: cannot squeeze %v to rank 2", ErrDimensionMismatch, t.Shape)
	}
}
