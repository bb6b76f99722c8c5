package tensor

import "errors"

var (
	// ErrBadShape is returned when a requested shape is empty or has a
	// non-positive dimension, or when data does not fit the shape.
	ErrBadShape = errors.New("tensor: invalid shape")

	// ErrOutOfRange indicates coordinates outside the tensor bounds.
	ErrOutOfRange = errors.New("tensor: index out of range")

	// ErrDimensionMismatch indicates incompatible operand shapes.
	ErrDimensionMismatch = errors.New("tensor: dimension mismatch")
)
