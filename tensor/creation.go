package tensor

import (
	"fmt"
	"math/rand/v2"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros. The slice is not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("%w: data length %d does not match tensor size %d", ErrBadShape, len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:   s,
		Strides: calculateStrides(s),
		Data:    data,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Full allocates a tensor with every element set to value.
func Full(shape []int, value float64) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar returns a [1] tensor holding value.
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:   []int{1},
		Strides: []int{1},
		Data:    []float64{value},
	}
}

// RandomNormal fills a new tensor with samples from N(mean, std²).
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*rng.NormFloat64()
	}
	return t, nil
}

// MustZeros is Zeros for shapes known to be valid at compile time of the
// caller (pooled shapes, parameter shapes after model compilation).
func MustZeros(shape []int) *Tensor {
	t, err := Zeros(shape)
	if err != nil {
		panic(err)
	}
	return t
}
