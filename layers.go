package main

import (
	"math"
	"math/rand"
)

// Linear is a fully connected layer: y = x @ W + b.
// W is (in, out) so a batch of rows multiplies on the left.
type Linear struct {
	w *Tensor // (in, out)
	b *Tensor // (out)
}

// NewLinear initialises a layer like torch.nn.Linear:
// W and b ~ U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	bound := 1.0 / math.Sqrt(float64(in))
	return &Linear{
		w: NewTensorUniform(rng, bound, in, out),
		b: NewTensorUniform(rng, bound, out),
	}
}

// In returns the input width.
func (l *Linear) In() int { return l.w.shape[0] }

// Out returns the output width.
func (l *Linear) Out() int { return l.w.shape[1] }

// Forward computes x @ W + b for x of shape (batch, in).
func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddBias(MatMul(x, l.w), l.b)
}

// Backward accumulates dW, db and returns dx. x is the forward input.
func (l *Linear) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradW := MatMulBackward(x, l.w, gradY)
	l.w.AccumulateGrad(gradW)
	l.b.AccumulateGrad(AddBiasBackward(gradY))
	return gradX
}

// Parameters returns W and b.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.w, l.b}
}

// MLP is a stack of Linear layers with ReLU between them.
// If finalReLU is set, the last layer is followed by a ReLU as well
// (the decoder uses this to keep reconstructed expression non-negative).
type MLP struct {
	layers    []*Linear
	finalReLU bool
}

// MLPCache holds per-layer inputs and pre-activations from a forward pass.
type MLPCache struct {
	inputs []*Tensor // input to layer i
	preAct []*Tensor // output of layer i before activation
}

// NewMLP creates an MLP with the given layer widths, e.g. [in, h, h, out].
func NewMLP(rng *rand.Rand, widths []int, finalReLU bool) *MLP {
	if len(widths) < 2 {
		panic("mlp: need at least input and output widths")
	}
	layers := make([]*Linear, len(widths)-1)
	for i := range layers {
		layers[i] = NewLinear(rng, widths[i], widths[i+1])
	}
	return &MLP{layers: layers, finalReLU: finalReLU}
}

// Forward runs the network without keeping activations.
func (m *MLP) Forward(x *Tensor) *Tensor {
	out, _ := m.ForwardWithCache(x)
	return out
}

// ForwardWithCache runs the network and keeps what Backward needs.
func (m *MLP) ForwardWithCache(x *Tensor) (*Tensor, *MLPCache) {
	cache := &MLPCache{
		inputs: make([]*Tensor, len(m.layers)),
		preAct: make([]*Tensor, len(m.layers)),
	}
	h := x
	for i, l := range m.layers {
		cache.inputs[i] = h
		pre := l.Forward(h)
		cache.preAct[i] = pre
		if m.activated(i) {
			h = ReLU(pre)
		} else {
			h = pre
		}
	}
	return h, cache
}

// Backward propagates gradY through the stack and returns the input gradient.
func (m *MLP) Backward(gradY *Tensor, cache *MLPCache) *Tensor {
	grad := gradY
	for i := len(m.layers) - 1; i >= 0; i-- {
		if m.activated(i) {
			grad = ReLUBackward(cache.preAct[i], grad)
		}
		grad = m.layers[i].Backward(cache.inputs[i], grad)
	}
	return grad
}

// Parameters returns all weights and biases, first layer first.
func (m *MLP) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range m.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (m *MLP) activated(i int) bool {
	return i < len(m.layers)-1 || m.finalReLU
}
