package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward passes for every forward op the VAE uses.
//
// There is no tape. Each layer stores what it needs from its forward pass in
// a cache struct and exposes Backward(grad, cache) returning the gradient with
// respect to its input. Parameter gradients are accumulated into the
// parameter tensor's grad buffer, so a parameter used twice in one step (the
// encoder and decoder both run twice per step because of the cycle term)
// receives the sum of both contributions.
//
// THE CHAIN RULE:
//
//   Forward:  y = f(x), L = g(y)
//   Backward: ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// ===========================================================================

// MatMulBackward computes gradients for C = A @ B.
//
//   gradA = gradC @ B^T
//   gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// AddBiasBackward reduces the upstream gradient over rows: gradBias[j] = Σ_i gradY[i,j].
func AddBiasBackward(gradY *Tensor) *Tensor {
	n := gradY.Cols()
	gradBias := NewTensor(n)
	for i, g := range gradY.data {
		gradBias.data[i%n] += g
	}
	return gradBias
}

// ReLUBackward computes gradient for ReLU: gradX = gradY * (X > 0).
func ReLUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// SoftmaxBackward computes gradient for row-wise softmax.
//
//   gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	gradX := NewTensor(y.shape...)
	for b := 0; b < y.Rows(); b++ {
		yr, gr, out := y.Row(b), gradY.Row(b), gradX.Row(b)
		dot := 0.0
		for f := range yr {
			dot += gr[f] * yr[f]
		}
		for f := range yr {
			out[f] = yr[f] * (gr[f] - dot)
		}
	}
	return gradX
}

// AccumulateGrad adds grad's values to the tensor's gradient buffer.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if len(t.grad) != len(grad.data) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
