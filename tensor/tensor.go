// Package tensor holds dense, row-major float64 arrays used on the host side:
// rating matrices and masks before they are sparsified, pooled row/column
// statistics, and layer weights.
package tensor

import (
	"fmt"
)

// Tensor is a dense row-major array. Boolean masks are stored as 0/1 values.
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float64
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// NumElems returns the number of stored elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Dim returns the rank of the tensor.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrBadShape)
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("%w: dimension %d has size %d, must be positive", ErrBadShape, i, dim)
		}
	}
	return nil
}

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// Offset returns the linear offset of the given coordinates, or an error if
// the coordinates do not address an element of t.
func (t *Tensor) Offset(indices ...int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("%w: got %d indices for rank %d", ErrDimensionMismatch, len(indices), len(t.Shape))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("%w: index %d out of bounds for dimension %d of size %d", ErrOutOfRange, idx, i, t.Shape[i])
		}
	}
	return getIndex(indices, t.Strides), nil
}

// Coords returns the coordinates of the element stored at linear offset i.
func (t *Tensor) Coords(i int) []int {
	return getIndicesFromLinear(i, t.Shape)
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) (float64, error) {
	off, err := t.Offset(indices...)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

// SetAt stores value at the given coordinates.
func (t *Tensor) SetAt(value float64, indices ...int) error {
	off, err := t.Offset(indices...)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Data:    data,
	}
}

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	inferred := -1
	known := 1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred != -1 {
				return nil, fmt.Errorf("%w: only one dimension can be inferred", ErrBadShape)
			}
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("%w: dimension %d has size %d", ErrBadShape, i, dim)
		default:
			known *= dim
		}
	}

	if inferred != -1 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension for %d elements into %v", ErrBadShape, len(t.Data), newShape)
		}
		shape[inferred] = len(t.Data) / known
	}

	if calculateNumElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %d elements into %v", ErrBadShape, len(t.Data), newShape)
	}

	return &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Data:    t.Data,
	}, nil
}

// Equal reports whether a and b have identical shapes and elements.
func Equal(a, b *Tensor) bool {
	if !ShapesEqual(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
