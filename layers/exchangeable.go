package layers

import (
	"fmt"

	"github.com/tsawler/go-exchangeable/sparse"
	"github.com/tsawler/go-exchangeable/tensor"
)

// Each pooled statistic is projected by its own weight and broadcast back
// along the axis it was pooled over.
var pooledTerms = [...]struct {
	axis  sparse.Axis
	theta int
}{
	{sparse.AxisCol, ThetaCol},
	{sparse.AxisRow, ThetaRow},
	{sparse.AxisGlobal, ThetaGlobal},
}

// exchangeable computes, for every stored cell (i, j),
//
//	z = x[i,j]·θself + col[j]·θcol + row[i]·θrow + all·θglobal + b
//
// where col, row and all pool the input with mode, then applies act.
// Permuting rows or columns of the input permutes the output the same way.
type exchangeable struct {
	name  string
	units int
	act   sparse.Activation
	mode  sparse.ReduceMode
}

type exchangeableCache struct {
	x      *sparse.Tensor
	z      *sparse.Tensor
	y      *sparse.Tensor
	pooled [len(pooledTerms)]*tensor.Tensor
}

func newExchangeable(spec *LayerSpec) (*exchangeable, error) {
	act, err := sparse.ActivationByName(getStringParam(spec.Parameters, "activation", ""))
	if err != nil {
		return nil, err
	}
	mode, err := sparse.ParseReduceMode(getStringParam(spec.Parameters, "pool_mode", "mean"))
	if err != nil {
		return nil, err
	}
	return &exchangeable{
		name:  spec.Name,
		units: getIntParam(spec.Parameters, "units", 0),
		act:   act,
		mode:  mode,
	}, nil
}

func (e *exchangeable) forward(x *sparse.Tensor, params []*tensor.Tensor) (*sparse.Tensor, *exchangeableCache, error) {
	z, err := sparse.TensorDotSparse(x, params[ThetaSelf])
	if err != nil {
		return nil, nil, err
	}

	cache := &exchangeableCache{x: x}
	for i, term := range pooledTerms {
		pooled, err := sparse.Reduce(x, e.mode, term.axis)
		if err != nil {
			return nil, nil, err
		}
		cache.pooled[i] = pooled

		proj, err := project(pooled, params[term.theta])
		if err != nil {
			return nil, nil, err
		}
		if term.axis == sparse.AxisGlobal {
			for u, b := range params[Bias].Data {
				proj.Data[u] += b
			}
		}
		if z, err = sparse.BroadcastAdd(z, proj, term.axis); err != nil {
			return nil, nil, err
		}
	}

	cache.z = z
	cache.y = sparse.ApplyActivation(z, e.act)
	return cache.y, cache, nil
}

// backward returns the gradient with respect to the input values and one
// gradient per layer parameter, in parameter order.
func (e *exchangeable) backward(cache *exchangeableCache, params []*tensor.Tensor, gradOut []float64) ([]float64, []*tensor.Tensor, error) {
	gradZ, err := sparse.ApplyActivationGrad(e.act, cache.z.Values, cache.y.Values, gradOut)
	if err != nil {
		return nil, nil, err
	}

	grads := make([]*tensor.Tensor, exchangeableParams)
	gradX, gradSelf, err := sparse.TensorDotSparseGrad(cache.x, params[ThetaSelf], gradZ)
	if err != nil {
		return nil, nil, err
	}
	grads[ThetaSelf] = gradSelf

	for i, term := range pooledTerms {
		gradProj, err := sparse.BroadcastAddGrad(cache.z, gradZ, term.axis)
		if err != nil {
			return nil, nil, err
		}
		if term.axis == sparse.AxisGlobal {
			grads[Bias], err = tensor.NewTensor([]int{e.units}, append([]float64(nil), gradProj.Data...))
			if err != nil {
				return nil, nil, err
			}
		}

		gradTheta, gradPooled, err := projectGrad(cache.pooled[i], params[term.theta], gradProj)
		if err != nil {
			return nil, nil, err
		}
		grads[term.theta] = gradTheta

		gradPart, err := sparse.ReduceGrad(cache.x, e.mode, term.axis, gradPooled)
		if err != nil {
			return nil, nil, err
		}
		for k, g := range gradPart {
			gradX[k] += g
		}
	}

	return gradX, grads, nil
}

// project maps pooled [a,b,K] through w [K,U] to [a,b,U].
func project(pooled, w *tensor.Tensor) (*tensor.Tensor, error) {
	k := w.Shape[0]
	if pooled.Shape[2] != k {
		return nil, fmt.Errorf("%w: pooled features %d, weight rows %d", sparse.ErrShapeMismatch, pooled.Shape[2], k)
	}
	flat, err := pooled.Reshape([]int{-1, k})
	if err != nil {
		return nil, err
	}
	out, err := tensor.MatMul(flat, w)
	if err != nil {
		return nil, err
	}
	return out.Reshape([]int{pooled.Shape[0], pooled.Shape[1], w.Shape[1]})
}

func projectGrad(pooled, w, gradOut *tensor.Tensor) (gradW, gradPooled *tensor.Tensor, err error) {
	k, u := w.Shape[0], w.Shape[1]
	flat, err := pooled.Reshape([]int{-1, k})
	if err != nil {
		return nil, nil, err
	}
	g, err := gradOut.Reshape([]int{-1, u})
	if err != nil {
		return nil, nil, err
	}

	flatT, err := tensor.Transpose(flat)
	if err != nil {
		return nil, nil, err
	}
	if gradW, err = tensor.MatMul(flatT, g); err != nil {
		return nil, nil, err
	}

	wT, err := tensor.Transpose(w)
	if err != nil {
		return nil, nil, err
	}
	gp, err := tensor.MatMul(g, wT)
	if err != nil {
		return nil, nil, err
	}
	gradPooled, err = gp.Reshape(pooled.Shape)
	return gradW, gradPooled, err
}
