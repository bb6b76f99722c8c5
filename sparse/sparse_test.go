package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-exchangeable/tensor"
)

// ratings4x3 is the 4×3 matrix with observed cells (0,0)=5, (1,1)=3,
// (2,2)=7 and (3,0)=2.
func ratings4x3(t *testing.T) *Tensor {
	t.Helper()
	dense, err := tensor.NewTensor([]int{4, 3}, []float64{
		5, 0, 0,
		0, 3, 0,
		0, 0, 7,
		2, 0, 0,
	})
	require.NoError(t, err)
	s, err := FromDense(dense)
	require.NoError(t, err)
	return s
}

// runTensor builds a rank-3 tensor with one k-wide run per cell.
func runTensor(t *testing.T, n, m, k int, cells [][]int, values []float64) *Tensor {
	t.Helper()
	s, err := New(ExpandIndices(cells, k), values, []int{n, m, k})
	require.NoError(t, err)
	require.NoError(t, s.ValidateRuns())
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       *Tensor
		wantErr error
	}{
		{
			name: "valid rank 2",
			s:    &Tensor{Indices: [][]int{{0, 1}, {1, 0}}, Values: []float64{1, 2}, Shape: []int{2, 2}},
		},
		{
			name:    "rank 1",
			s:       &Tensor{Indices: [][]int{{0}}, Values: []float64{1}, Shape: []int{2}},
			wantErr: ErrRank,
		},
		{
			name:    "length mismatch",
			s:       &Tensor{Indices: [][]int{{0, 1}}, Values: []float64{1, 2}, Shape: []int{2, 2}},
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "out of bounds",
			s:       &Tensor{Indices: [][]int{{2, 0}}, Values: []float64{1}, Shape: []int{2, 2}},
			wantErr: ErrOutOfBounds,
		},
		{
			name:    "duplicate",
			s:       &Tensor{Indices: [][]int{{1, 1}, {1, 1}}, Values: []float64{1, 2}, Shape: []int{2, 2}},
			wantErr: ErrDuplicateIndex,
		},
		{
			name:    "coordinate arity",
			s:       &Tensor{Indices: [][]int{{1, 1, 0}}, Values: []float64{1}, Shape: []int{2, 2}},
			wantErr: ErrRank,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateRuns(t *testing.T) {
	good := &Tensor{
		Indices: [][]int{{0, 0, 0}, {0, 0, 1}, {1, 1, 0}, {1, 1, 1}},
		Values:  []float64{1, 2, 3, 4},
		Shape:   []int{2, 2, 2},
	}
	require.NoError(t, good.ValidateRuns())
	assert.Equal(t, 2, good.Cells())
	assert.Equal(t, [][]int{{0, 0}, {1, 1}}, good.CellIndices())

	interleaved := &Tensor{
		Indices: [][]int{{0, 0, 0}, {1, 1, 0}, {0, 0, 1}, {1, 1, 1}},
		Values:  []float64{1, 2, 3, 4},
		Shape:   []int{2, 2, 2},
	}
	require.NoError(t, interleaved.Validate())
	assert.ErrorIs(t, interleaved.ValidateRuns(), ErrBrokenRuns)

	partial := &Tensor{
		Indices: [][]int{{0, 0, 0}, {0, 0, 1}, {1, 1, 0}},
		Values:  []float64{1, 2, 3},
		Shape:   []int{2, 2, 2},
	}
	assert.ErrorIs(t, partial.ValidateRuns(), ErrBrokenRuns)
}

func TestWithValuesAndClone(t *testing.T) {
	s := ratings4x3(t)

	w, err := s.WithValues([]float64{1, 1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, s.Indices, w.Indices)
	assert.Equal(t, []float64{5, 3, 7, 2}, s.Values)

	_, err = s.WithValues([]float64{1})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	c := s.Clone()
	c.Indices[0][0] = 3
	c.Values[0] = 0
	assert.Equal(t, []int{0, 0}, s.Indices[0])
	assert.Equal(t, 5.0, s.Values[0])
}
