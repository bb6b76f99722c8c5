package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-exchangeable/tensor"
)

// ErrLossInput is returned when loss inputs disagree in length or shape.
var ErrLossInput = errors.New("training: loss inputs do not match")

// ReconstructionLoss is the weighted squared error over observed entries,
// Σ wᵢ(tᵢ−pᵢ)² / len(target). Nil weights count every entry once.
//
// The divisor is the entry count, not the weight sum, so a weight vector
// that zeroes entries still divides by all of them.
func ReconstructionLoss(target, pred, weights []float64) (float64, error) {
	return ReconstructionLossN(target, pred, weights, len(target))
}

// ReconstructionLossN is ReconstructionLoss with an explicit divisor n.
// Validation uses it to divide by the number of validation entries while
// summing over the training and validation union.
func ReconstructionLossN(target, pred, weights []float64, n int) (float64, error) {
	if err := checkLossInputs(target, pred, weights, n); err != nil {
		return 0, err
	}

	var sum float64
	for i, t := range target {
		d := t - pred[i]
		if weights != nil {
			sum += weights[i] * d * d
		} else {
			sum += d * d
		}
	}
	return sum / float64(n), nil
}

// ReconstructionLossGrad returns ∂L/∂pred for ReconstructionLossN.
func ReconstructionLossGrad(target, pred, weights []float64, n int) ([]float64, error) {
	if err := checkLossInputs(target, pred, weights, n); err != nil {
		return nil, err
	}

	grad := make([]float64, len(pred))
	scale := 2 / float64(n)
	for i, t := range target {
		g := scale * (pred[i] - t)
		if weights != nil {
			g *= weights[i]
		}
		grad[i] = g
	}
	return grad, nil
}

func checkLossInputs(target, pred, weights []float64, n int) error {
	if len(pred) != len(target) {
		return fmt.Errorf("%w: %d targets, %d predictions", ErrLossInput, len(target), len(pred))
	}
	if weights != nil && len(weights) != len(target) {
		return fmt.Errorf("%w: %d targets, %d weights", ErrLossInput, len(target), len(weights))
	}
	if n <= 0 {
		return fmt.Errorf("%w: divisor %d", ErrLossInput, n)
	}
	return nil
}

// DenseReconstructionLoss is Σ((mat−rec)²·mask) / Σmask over dense
// tensors of one shape. It is the full-grid counterpart of
// ReconstructionLoss, used for debugging small problems.
func DenseReconstructionLoss(mat, mask, rec *tensor.Tensor) (float64, error) {
	if !tensor.ShapesEqual(mat.Shape, mask.Shape) || !tensor.ShapesEqual(mat.Shape, rec.Shape) {
		return 0, fmt.Errorf("%w: shapes %v, %v, %v", ErrLossInput, mat.Shape, mask.Shape, rec.Shape)
	}

	var num, den float64
	for i, v := range mat.Data {
		d := v - rec.Data[i]
		num += d * d * mask.Data[i]
		den += mask.Data[i]
	}
	if den == 0 {
		return 0, fmt.Errorf("%w: empty mask", ErrLossInput)
	}
	return num / den, nil
}

// L2Penalty is scale·Σw² over every element of weights.
func L2Penalty(scale float64, weights ...*tensor.Tensor) float64 {
	var sum float64
	for _, w := range weights {
		for _, v := range w.Data {
			sum += v * v
		}
	}
	return scale * sum
}

// AddL2Grad adds the gradient of L2Penalty, 2·scale·w, into grad.
func AddL2Grad(scale float64, w, grad *tensor.Tensor) error {
	if !tensor.ShapesEqual(w.Shape, grad.Shape) {
		return fmt.Errorf("%w: weight %v, gradient %v", ErrLossInput, w.Shape, grad.Shape)
	}
	for i, v := range w.Data {
		grad.Data[i] += 2 * scale * v
	}
	return nil
}
