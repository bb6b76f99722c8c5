package sparse

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-exchangeable/tensor"
)

func checkWeight(s *Tensor, w *tensor.Tensor) error {
	if len(w.Shape) != 2 {
		return fmt.Errorf("%w: weight shape %v, want [Kin,Kout]", ErrShapeMismatch, w.Shape)
	}
	if w.Shape[0] != s.Features() {
		return fmt.Errorf("%w: tensor has %d features, weight has %d input rows", ErrShapeMismatch, s.Features(), w.Shape[0])
	}
	return nil
}

// TensorDot contracts the feature axis of s [N,M,Kin] with w [Kin,Kout]
// into a dense [N,M,Kout] tensor. Cells absent from s are zero in the
// output. This is the full-grid path; the layers use TensorDotSparse.
func TensorDot(s *Tensor, w *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkWeight(s, w); err != nil {
		return nil, err
	}
	n, m := s.dims()
	kout := w.Shape[1]

	out, err := tensor.Zeros([]int{n, m, kout})
	if err != nil {
		return nil, err
	}
	for i, v := range s.Values {
		if v == 0 {
			continue
		}
		r, c, f := s.cell(i)
		dst := out.Data[(r*m+c)*kout : (r*m+c+1)*kout]
		row := w.Data[f*kout : (f+1)*kout]
		for u, wv := range row {
			dst[u] += v * wv
		}
	}
	return out, nil
}

// TensorDotSparse multiplies each cell's feature run by w [Kin,Kout] and
// returns a [N,M,Kout] sparse tensor with exactly the cells of s, in the
// same order. Cost is proportional to cells·Kin·Kout.
func TensorDotSparse(s *Tensor, w *tensor.Tensor) (*Tensor, error) {
	if err := checkWeight(s, w); err != nil {
		return nil, err
	}
	if err := s.checkRuns(); err != nil {
		return nil, err
	}
	n, m := s.dims()
	kin, kout := w.Shape[0], w.Shape[1]
	cells := s.Cells()

	out := &Tensor{
		Indices: ExpandIndices(s.CellIndices(), kout),
		Values:  make([]float64, cells*kout),
		Shape:   []int{n, m, kout},
	}
	if cells == 0 {
		return out, nil
	}

	x := mat.NewDense(cells, kin, s.Values)
	wm := mat.NewDense(kin, kout, w.Data)
	mat.NewDense(cells, kout, out.Values).Mul(x, wm)
	return out, nil
}

// TensorDotSparseGrad is the vector-Jacobian product of TensorDotSparse.
// gradOut is aligned with the output values; it returns the gradient for
// the values of s and for w.
func TensorDotSparseGrad(s *Tensor, w *tensor.Tensor, gradOut []float64) ([]float64, *tensor.Tensor, error) {
	if err := checkWeight(s, w); err != nil {
		return nil, nil, err
	}
	kin, kout := w.Shape[0], w.Shape[1]
	cells := s.Cells()
	if len(gradOut) != cells*kout {
		return nil, nil, fmt.Errorf("%w: %d gradients for %d cells of width %d", ErrLengthMismatch, len(gradOut), cells, kout)
	}

	gradIn := make([]float64, len(s.Values))
	gradW := tensor.MustZeros([]int{kin, kout})
	if cells == 0 {
		return gradIn, gradW, nil
	}

	x := mat.NewDense(cells, kin, s.Values)
	g := mat.NewDense(cells, kout, gradOut)
	wm := mat.NewDense(kin, kout, w.Data)

	// dX = G·Wᵀ, dW = Xᵀ·G
	mat.NewDense(cells, kin, gradIn).Mul(g, wm.T())
	mat.NewDense(kin, kout, gradW.Data).Mul(x.T(), g)
	return gradIn, gradW, nil
}
