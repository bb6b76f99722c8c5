package sparse

import "errors"

// Every sentinel is prefixed with "sparse: ". Operations wrap them with
// fmt.Errorf("...: %w") for context; callers match with errors.Is.
var (
	// ErrRank is returned for tensors whose rank is not 2 or 3.
	ErrRank = errors.New("sparse: rank must be 2 or 3")

	// ErrLengthMismatch indicates len(Indices) != len(Values), or a value
	// slice that does not line up with the tensor it belongs to.
	ErrLengthMismatch = errors.New("sparse: indices/values length mismatch")

	// ErrOutOfBounds indicates a coordinate outside the dense shape.
	ErrOutOfBounds = errors.New("sparse: coordinate out of bounds")

	// ErrDuplicateIndex indicates two stored entries with the same coordinates.
	ErrDuplicateIndex = errors.New("sparse: duplicate coordinate")

	// ErrShapeMismatch indicates incompatible operand shapes.
	ErrShapeMismatch = errors.New("sparse: shape mismatch")

	// ErrBrokenRuns indicates that the K feature entries of a cell are not
	// stored as one contiguous run ordered by feature index.
	ErrBrokenRuns = errors.New("sparse: feature runs are not contiguous")

	// ErrUnknownReduceMode is returned for reduction modes other than
	// sum, mean and max.
	ErrUnknownReduceMode = errors.New("sparse: unknown reduce mode")

	// ErrUnknownAxis is returned for an axis other than row, col or global.
	ErrUnknownAxis = errors.New("sparse: unknown axis")

	// ErrBadRate is returned for a dropout rate outside [0, 1).
	ErrBadRate = errors.New("sparse: dropout rate must be in [0, 1)")

	// ErrUnknownActivation is returned by ActivationByName.
	ErrUnknownActivation = errors.New("sparse: unknown activation")
)
