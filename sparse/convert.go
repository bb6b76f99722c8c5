package sparse

import (
	"fmt"

	"github.com/tsawler/go-exchangeable/tensor"
)

// FromDense scans a rank 2 or 3 dense tensor in row-major order and returns
// its non-zero entries. An all-zero input yields an empty tensor with the
// same dense shape.
func FromDense(t *tensor.Tensor) (*Tensor, error) {
	rank := len(t.Shape)
	if rank != 2 && rank != 3 {
		return nil, fmt.Errorf("%w: dense shape %v", ErrRank, t.Shape)
	}

	indices := make([][]int, 0)
	values := make([]float64, 0)
	for i, v := range t.Data {
		if v == 0 {
			continue
		}
		indices = append(indices, t.Coords(i))
		values = append(values, v)
	}

	return &Tensor{
		Indices: indices,
		Values:  values,
		Shape:   append([]int(nil), t.Shape...),
	}, nil
}

// ToDense scatters s into a zero-filled dense tensor. A nil shape uses
// s.Shape. Duplicate coordinates are last-write-wins.
func ToDense(s *Tensor, shape []int) (*tensor.Tensor, error) {
	if shape == nil {
		shape = s.Shape
	}
	if len(s.Indices) != len(s.Values) {
		return nil, fmt.Errorf("%w: %d indices, %d values", ErrLengthMismatch, len(s.Indices), len(s.Values))
	}

	out, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i, idx := range s.Indices {
		off, err := out.Offset(idx...)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrOutOfBounds, i, err)
		}
		out.Data[off] = s.Values[i]
	}
	return out, nil
}

// DenseToSparse converts a dense [N,M,K] activation to a sparse tensor,
// keeping the whole K-feature run of every cell with at least one non-zero
// feature so the result satisfies the run layout.
func DenseToSparse(t *tensor.Tensor) (*Tensor, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("%w: dense shape %v, want [N,M,K]", ErrRank, t.Shape)
	}
	n, m, k := t.Shape[0], t.Shape[1], t.Shape[2]

	indices := make([][]int, 0)
	values := make([]float64, 0)
	for r := 0; r < n; r++ {
		for c := 0; c < m; c++ {
			run := t.Data[(r*m+c)*k : (r*m+c+1)*k]
			if allZero(run) {
				continue
			}
			for f, v := range run {
				indices = append(indices, []int{r, c, f})
				values = append(values, v)
			}
		}
	}

	return &Tensor{
		Indices: indices,
		Values:  values,
		Shape:   []int{n, m, k},
	}, nil
}

// MaskToSparse gathers a dense [N,M,K] tensor at the (row, col) cells of
// maskIndices, producing one K-feature run per cell in mask order.
func MaskToSparse(dense *tensor.Tensor, maskIndices [][]int) (*Tensor, error) {
	if len(dense.Shape) != 3 {
		return nil, fmt.Errorf("%w: dense shape %v, want [N,M,K]", ErrRank, dense.Shape)
	}
	n, m, k := dense.Shape[0], dense.Shape[1], dense.Shape[2]

	indices := ExpandIndices(maskIndices, k)
	values := make([]float64, 0, len(maskIndices)*k)
	for i, rc := range maskIndices {
		if len(rc) < 2 || rc[0] < 0 || rc[0] >= n || rc[1] < 0 || rc[1] >= m {
			return nil, fmt.Errorf("%w: mask entry %d is %v for grid [%d %d]", ErrOutOfBounds, i, rc, n, m)
		}
		off := (rc[0]*m + rc[1]) * k
		values = append(values, dense.Data[off:off+k]...)
	}

	return &Tensor{
		Indices: indices,
		Values:  values,
		Shape:   []int{n, m, k},
	}, nil
}

// ExpandIndices turns (row, col) pairs into rank-3 coordinates, one run of
// k feature indices per pair. Extra trailing coordinates are ignored.
func ExpandIndices(indices [][]int, k int) [][]int {
	out := make([][]int, 0, len(indices)*k)
	for _, rc := range indices {
		for f := 0; f < k; f++ {
			out = append(out, []int{rc[0], rc[1], f})
		}
	}
	return out
}

// FromFactors builds the decoder input from pooled row factors nvec [N,1,K]
// and column factors mvec [1,M,K]: the run at cell (i, j) is
// concat(nvec[i], mvec[j]), so the result has shape [N,M,2K].
func FromFactors(nvec, mvec *tensor.Tensor, maskIndices [][]int) (*Tensor, error) {
	if len(nvec.Shape) != 3 || nvec.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: nvec shape %v, want [N,1,K]", ErrShapeMismatch, nvec.Shape)
	}
	if len(mvec.Shape) != 3 || mvec.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: mvec shape %v, want [1,M,K]", ErrShapeMismatch, mvec.Shape)
	}
	if nvec.Shape[2] != mvec.Shape[2] {
		return nil, fmt.Errorf("%w: nvec has %d features, mvec has %d", ErrShapeMismatch, nvec.Shape[2], mvec.Shape[2])
	}

	n, m, k := nvec.Shape[0], mvec.Shape[1], nvec.Shape[2]
	values := make([]float64, 0, len(maskIndices)*2*k)
	for i, rc := range maskIndices {
		if len(rc) < 2 || rc[0] < 0 || rc[0] >= n || rc[1] < 0 || rc[1] >= m {
			return nil, fmt.Errorf("%w: mask entry %d is %v for grid [%d %d]", ErrOutOfBounds, i, rc, n, m)
		}
		values = append(values, nvec.Data[rc[0]*k:(rc[0]+1)*k]...)
		values = append(values, mvec.Data[rc[1]*k:(rc[1]+1)*k]...)
	}

	return &Tensor{
		Indices: ExpandIndices(maskIndices, 2*k),
		Values:  values,
		Shape:   []int{n, m, 2 * k},
	}, nil
}

// FromFactorsGrad splits the gradient of a FromFactors output back into
// gradients for nvec and mvec.
func FromFactorsGrad(maskIndices [][]int, gradOut []float64, n, m, k int) (gradN, gradM *tensor.Tensor, err error) {
	if len(gradOut) != len(maskIndices)*2*k {
		return nil, nil, fmt.Errorf("%w: %d gradients for %d cells of width %d", ErrLengthMismatch, len(gradOut), len(maskIndices), 2*k)
	}
	gradN = tensor.MustZeros([]int{n, 1, k})
	gradM = tensor.MustZeros([]int{1, m, k})
	for c, rc := range maskIndices {
		run := gradOut[c*2*k : (c+1)*2*k]
		for f := 0; f < k; f++ {
			gradN.Data[rc[0]*k+f] += run[f]
			gradM.Data[rc[1]*k+f] += run[k+f]
		}
	}
	return gradN, gradM, nil
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
