// Package sparse implements the coordinate sparse tensor and the algebra the
// exchangeable layers are built from: conversions, elementwise maps,
// tensordot with dense or sparse output, row/column/global segment
// reduction, and broadcast-add of pooled statistics back onto the stored
// support. Each forward primitive has a matching gradient so a model can be
// trained without materialising the dense N×M matrix.
//
// A tensor has rank 2 (row, col) or rank 3 (row, col, feature). In rank 3
// every observed cell stores its K features as one contiguous run of K
// entries ordered by feature index. Rank 2 tensors behave as rank 3 with
// K = 1.
//
// Operations never mutate their inputs. Outputs may share the Indices slice
// of an input when the support is unchanged.
package sparse

import (
	"fmt"
)

// ZeroThreshold is the magnitude below which reduction results are snapped
// to exactly zero.
const ZeroThreshold = 1e-5

// Tensor is a coordinate-format sparse tensor.
type Tensor struct {
	Indices [][]int   `json:"indices"`
	Values  []float64 `json:"values"`
	Shape   []int     `json:"dense_shape"`
}

// New builds a tensor and validates it.
func New(indices [][]int, values []float64, shape []int) (*Tensor, error) {
	s := &Tensor{Indices: indices, Values: values, Shape: shape}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Tensor) String() string {
	return fmt.Sprintf("SparseTensor(shape=%v, nnz=%d)", s.Shape, len(s.Values))
}

// Rank returns the number of coordinates per entry.
func (s *Tensor) Rank() int {
	return len(s.Shape)
}

// NNZ returns the number of stored entries.
func (s *Tensor) NNZ() int {
	return len(s.Values)
}

// Features returns K, the length of each cell's feature run.
func (s *Tensor) Features() int {
	if len(s.Shape) == 3 {
		return s.Shape[2]
	}
	return 1
}

// Cells returns the number of stored (row, col) cells.
func (s *Tensor) Cells() int {
	k := s.Features()
	if k == 0 {
		return 0
	}
	return len(s.Values) / k
}

// CellIndices returns the (row, col) coordinate of each stored cell in
// storage order.
func (s *Tensor) CellIndices() [][]int {
	k := s.Features()
	cells := s.Cells()
	out := make([][]int, cells)
	for c := 0; c < cells; c++ {
		idx := s.Indices[c*k]
		out[c] = []int{idx[0], idx[1]}
	}
	return out
}

// WithValues returns a tensor with the same support as s and new values.
func (s *Tensor) WithValues(values []float64) (*Tensor, error) {
	if len(values) != len(s.Values) {
		return nil, fmt.Errorf("%w: got %d values for %d entries", ErrLengthMismatch, len(values), len(s.Values))
	}
	return &Tensor{Indices: s.Indices, Values: values, Shape: s.Shape}, nil
}

// Clone returns a deep copy of s.
func (s *Tensor) Clone() *Tensor {
	indices := make([][]int, len(s.Indices))
	for i, idx := range s.Indices {
		indices[i] = append([]int(nil), idx...)
	}
	return &Tensor{
		Indices: indices,
		Values:  append([]float64(nil), s.Values...),
		Shape:   append([]int(nil), s.Shape...),
	}
}

// Validate checks rank, lengths, bounds and uniqueness of coordinates.
func (s *Tensor) Validate() error {
	rank := len(s.Shape)
	if rank != 2 && rank != 3 {
		return fmt.Errorf("%w: got shape %v", ErrRank, s.Shape)
	}
	for i, d := range s.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: dimension %d has size %d", ErrShapeMismatch, i, d)
		}
	}
	if len(s.Indices) != len(s.Values) {
		return fmt.Errorf("%w: %d indices, %d values", ErrLengthMismatch, len(s.Indices), len(s.Values))
	}

	seen := make(map[[3]int]struct{}, len(s.Indices))
	for i, idx := range s.Indices {
		if len(idx) != rank {
			return fmt.Errorf("%w: entry %d has %d coordinates, want %d", ErrRank, i, len(idx), rank)
		}
		var key [3]int
		for d, v := range idx {
			if v < 0 || v >= s.Shape[d] {
				return fmt.Errorf("%w: entry %d coordinate %v not within %v", ErrOutOfBounds, i, idx, s.Shape)
			}
			key[d] = v
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicateIndex, idx)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateRuns checks Validate plus the contiguous feature-run layout that
// TensorDotSparse, BroadcastAdd and the layer kernels rely on.
func (s *Tensor) ValidateRuns() error {
	if err := s.Validate(); err != nil {
		return err
	}
	return s.checkRuns()
}

func (s *Tensor) checkRuns() error {
	if len(s.Shape) == 2 {
		return nil
	}
	k := s.Shape[2]
	if len(s.Values)%k != 0 {
		return fmt.Errorf("%w: %d entries is not a multiple of K=%d", ErrBrokenRuns, len(s.Values), k)
	}
	for c := 0; c < len(s.Values)/k; c++ {
		head := s.Indices[c*k]
		for f := 0; f < k; f++ {
			idx := s.Indices[c*k+f]
			if len(idx) != 3 || idx[0] != head[0] || idx[1] != head[1] || idx[2] != f {
				return fmt.Errorf("%w: entry %d is %v, want [%d %d %d]", ErrBrokenRuns, c*k+f, idx, head[0], head[1], f)
			}
		}
	}
	return nil
}

// cell returns the (row, col) of stored entry i and its feature index.
func (s *Tensor) cell(i int) (row, col, feat int) {
	idx := s.Indices[i]
	if len(idx) == 3 {
		return idx[0], idx[1], idx[2]
	}
	return idx[0], idx[1], 0
}

// rows and cols of the logical grid.
func (s *Tensor) dims() (n, m int) {
	return s.Shape[0], s.Shape[1]
}
