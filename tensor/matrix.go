package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Matrix views a rank-2 tensor as a gonum matrix sharing the same storage.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: matrix view needs rank 2, got shape %v", ErrDimensionMismatch, t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
}

// FromMatrix copies a gonum matrix into a new rank-2 tensor.
func FromMatrix(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	data := make([]float64, r*c)
	mat.NewDense(r, c, data).Copy(m)
	return &Tensor{
		Shape:   []int{r, c},
		Strides: []int{c, 1},
		Data:    data,
	}
}

// MatMul computes a·b for rank-2 tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("%w: matmul needs rank 2 operands, got %v and %v", ErrDimensionMismatch, a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("%w: cannot multiply %v by %v", ErrDimensionMismatch, a.Shape, b.Shape)
	}

	am := mat.NewDense(a.Shape[0], a.Shape[1], a.Data)
	bm := mat.NewDense(b.Shape[0], b.Shape[1], b.Data)
	out := make([]float64, a.Shape[0]*b.Shape[1])
	mat.NewDense(a.Shape[0], b.Shape[1], out).Mul(am, bm)

	return &Tensor{
		Shape:   []int{a.Shape[0], b.Shape[1]},
		Strides: []int{b.Shape[1], 1},
		Data:    out,
	}, nil
}

// Transpose returns the transpose of a rank-2 tensor as a new tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	m, err := t.Matrix()
	if err != nil {
		return nil, err
	}
	return FromMatrix(m.T()), nil
}

// AddInPlace accumulates src into dst elementwise.
func AddInPlace(dst, src *Tensor) error {
	if !ShapesEqual(dst.Shape, src.Shape) {
		return fmt.Errorf("%w: cannot add %v into %v", ErrDimensionMismatch, src.Shape, dst.Shape)
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// Scale multiplies every element of t by s in place.
func (t *Tensor) Scale(s float64) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}
