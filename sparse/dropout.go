package sparse

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// DropoutScaling selects how surviving entries are rescaled.
type DropoutScaling int

const (
	// DropoutReference multiplies survivors by (1/rate)², one 1/rate factor
	// per drop stage.
	DropoutReference DropoutScaling = iota
	// DropoutInverted multiplies survivors by (1/(1-rate))².
	DropoutInverted
)

func (d DropoutScaling) String() string {
	switch d {
	case DropoutReference:
		return "reference"
	case DropoutInverted:
		return "inverted"
	default:
		return fmt.Sprintf("DropoutScaling(%d)", int(d))
	}
}

// ParseDropoutScaling maps "reference" (or "") and "inverted" to a scaling.
func ParseDropoutScaling(name string) (DropoutScaling, error) {
	switch name {
	case "", "reference":
		return DropoutReference, nil
	case "inverted":
		return DropoutInverted, nil
	default:
		return 0, fmt.Errorf("sparse: unknown dropout scaling %q", name)
	}
}

func (d DropoutScaling) factor(rate float64) float64 {
	if d == DropoutInverted {
		return math.Pow(1/(1-rate), 2)
	}
	return math.Pow(1/rate, 2)
}

// DropoutMask records which input entries survived a dropout pass and the
// factor they were scaled by. A nil mask means the pass was the identity.
type DropoutMask struct {
	Kept     []int
	Scale    float64
	InputLen int
}

// Dropout removes every stored entry of floor(N·rate) random rows and
// floor(M·rate) random columns, then rescales survivors. It returns s
// itself and a nil mask when training is false or rate is 0.
//
// Dropping whole cells keeps the feature runs intact.
func Dropout(s *Tensor, rate float64, training bool, rng *rand.Rand, scaling DropoutScaling) (*Tensor, *DropoutMask, error) {
	if rate < 0 || rate >= 1 || math.IsNaN(rate) {
		return nil, nil, fmt.Errorf("%w: got %v", ErrBadRate, rate)
	}
	if !training || rate == 0 {
		return s, nil, nil
	}

	n, m := s.dims()
	droppedRows := pickDropped(rng, n, int(math.Floor(float64(n)*rate)))
	droppedCols := pickDropped(rng, m, int(math.Floor(float64(m)*rate)))
	scale := scaling.factor(rate)

	kept := make([]int, 0, len(s.Values))
	indices := make([][]int, 0, len(s.Values))
	values := make([]float64, 0, len(s.Values))
	for i := range s.Values {
		r, c, _ := s.cell(i)
		if droppedRows[r] || droppedCols[c] {
			continue
		}
		kept = append(kept, i)
		indices = append(indices, s.Indices[i])
		values = append(values, s.Values[i]*scale)
	}

	out := &Tensor{Indices: indices, Values: values, Shape: s.Shape}
	return out, &DropoutMask{Kept: kept, Scale: scale, InputLen: len(s.Values)}, nil
}

// DropoutGrad routes the gradient of a dropout output back onto the input
// entries. Dropped entries receive zero.
func DropoutGrad(mask *DropoutMask, gradOut []float64) ([]float64, error) {
	if mask == nil {
		return gradOut, nil
	}
	if len(gradOut) != len(mask.Kept) {
		return nil, fmt.Errorf("%w: %d gradients for %d kept entries", ErrLengthMismatch, len(gradOut), len(mask.Kept))
	}
	grad := make([]float64, mask.InputLen)
	for j, i := range mask.Kept {
		grad[i] = gradOut[j] * mask.Scale
	}
	return grad, nil
}

func pickDropped(rng *rand.Rand, n, count int) []bool {
	dropped := make([]bool, n)
	if count <= 0 {
		return dropped
	}
	for _, i := range rng.Perm(n)[:count] {
		dropped[i] = true
	}
	return dropped
}
