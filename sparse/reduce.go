package sparse

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-exchangeable/tensor"
)

// ReduceMode is the segment operator used for pooling.
type ReduceMode int

const (
	ReduceSum ReduceMode = iota
	ReduceMean
	ReduceMax
)

func (r ReduceMode) String() string {
	switch r {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	default:
		return fmt.Sprintf("ReduceMode(%d)", int(r))
	}
}

// ParseReduceMode maps "sum", "mean" and "max" to a ReduceMode.
func ParseReduceMode(name string) (ReduceMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sum":
		return ReduceSum, nil
	case "mean":
		return ReduceMean, nil
	case "max":
		return ReduceMax, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownReduceMode, name)
	}
}

// Axis names the statistic a reduction produces.
type Axis int

const (
	// AxisRow gives one statistic per row: [N,1,K].
	AxisRow Axis = iota
	// AxisCol gives one statistic per column: [1,M,K].
	AxisCol
	// AxisGlobal gives one statistic for the whole tensor: [1,1,K].
	AxisGlobal
)

func (a Axis) String() string {
	switch a {
	case AxisRow:
		return "row"
	case AxisCol:
		return "col"
	case AxisGlobal:
		return "global"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// pooledShape returns the dense shape of a reduction of s along axis.
func pooledShape(s *Tensor, axis Axis) ([]int, error) {
	n, m := s.dims()
	k := s.Features()
	switch axis {
	case AxisRow:
		return []int{n, 1, k}, nil
	case AxisCol:
		return []int{1, m, k}, nil
	case AxisGlobal:
		return []int{1, 1, k}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownAxis, axis)
	}
}

// segment returns the flat position in the pooled output that entry i of s
// reduces into.
func segment(s *Tensor, axis Axis, i int) int {
	k := s.Features()
	r, c, f := s.cell(i)
	switch axis {
	case AxisRow:
		return r*k + f
	case AxisCol:
		return c*k + f
	default:
		return f
	}
}

// extent is the number of logical cells each segment spans along the
// reduced axis.
func extent(s *Tensor, axis Axis) float64 {
	n, m := s.dims()
	switch axis {
	case AxisRow:
		return float64(m)
	case AxisCol:
		return float64(n)
	default:
		return float64(n * m)
	}
}

// reduceRaw returns the unsnapped segment results and, for max, the index of
// the winning entry per segment (-1 when the segment is empty).
func reduceRaw(s *Tensor, mode ReduceMode, axis Axis) (*tensor.Tensor, []int, error) {
	shape, err := pooledShape(s, axis)
	if err != nil {
		return nil, nil, err
	}
	out, err := tensor.Zeros(shape)
	if err != nil {
		return nil, nil, err
	}

	switch mode {
	case ReduceSum, ReduceMean:
		for i, v := range s.Values {
			out.Data[segment(s, axis, i)] += v
		}
		if mode == ReduceMean {
			out.Scale(1 / extent(s, axis))
		}
		return out, nil, nil

	case ReduceMax:
		argmax := make([]int, len(out.Data))
		for j := range argmax {
			argmax[j] = -1
		}
		for i, v := range s.Values {
			seg := segment(s, axis, i)
			if argmax[seg] == -1 || v > out.Data[seg] {
				out.Data[seg] = v
				argmax[seg] = i
			}
		}
		return out, argmax, nil

	default:
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownReduceMode, mode)
	}
}

// Reduce pools the stored entries of s along axis. Mean divides by the
// logical extent of the reduced axis (M for AxisRow, N for AxisCol, N·M for
// AxisGlobal), not by the number of stored entries. Empty segments are 0 for
// every mode, and results smaller than ZeroThreshold in magnitude are
// snapped to 0.
func Reduce(s *Tensor, mode ReduceMode, axis Axis) (*tensor.Tensor, error) {
	out, _, err := reduceRaw(s, mode, axis)
	if err != nil {
		return nil, err
	}
	for i, v := range out.Data {
		if math.Abs(v) < ZeroThreshold {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// ReduceGrad is the vector-Jacobian product of Reduce: gradOut has the
// pooled shape and the result is aligned with s.Values. Max routes each
// segment's gradient to its arg-max entry. Snapped segments receive none.
func ReduceGrad(s *Tensor, mode ReduceMode, axis Axis, gradOut *tensor.Tensor) ([]float64, error) {
	raw, argmax, err := reduceRaw(s, mode, axis)
	if err != nil {
		return nil, err
	}
	if !tensor.ShapesEqual(raw.Shape, gradOut.Shape) {
		return nil, fmt.Errorf("%w: gradient shape %v, pooled shape %v", ErrShapeMismatch, gradOut.Shape, raw.Shape)
	}

	grad := make([]float64, len(s.Values))
	switch mode {
	case ReduceMax:
		for seg, i := range argmax {
			if i < 0 || math.Abs(raw.Data[seg]) < ZeroThreshold {
				continue
			}
			grad[i] = gradOut.Data[seg]
		}
	default:
		scale := 1.0
		if mode == ReduceMean {
			scale = 1 / extent(s, axis)
		}
		for i := range s.Values {
			seg := segment(s, axis, i)
			if math.Abs(raw.Data[seg]) < ZeroThreshold {
				continue
			}
			grad[i] = gradOut.Data[seg] * scale
		}
	}
	return grad, nil
}
