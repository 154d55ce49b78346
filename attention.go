package main

import (
	"fmt"
	"math"
	"math/rand"
)

// Attention implements multi-head self-attention over short sequences.
//
// Mechanism:
//  1. Project input to Query, Key, Value (each with a bias)
//  2. Per head: softmax(Q·K^T / √d_head) · V
//  3. Concatenate heads and apply the output projection
//
// The encoder feeds every latent vector as its own length-1 sequence, so each
// cell attends only to itself and the block acts as a learned refinement of
// the sampled code. Longer sequences work the same way.
type Attention struct {
	dim      int
	numHeads int
	headDim  int

	q, k, v, o *Linear
}

// AttentionCache stores forward activations for the backward pass.
type AttentionCache struct {
	input   *Tensor
	seqLen  int
	q, k, v *Tensor
	weights []*Tensor // one (seqLen, seqLen) matrix per (sequence, head)
	context *Tensor   // concatenated head outputs, input to the output projection
}

// NewAttention creates an attention block. dim must be divisible by numHeads.
//
// Input projections use Xavier-uniform weights over the packed (3·dim, dim)
// projection; the output projection uses U(-1/√dim, 1/√dim). All biases
// start at zero.
func NewAttention(rng *rand.Rand, dim, numHeads int) *Attention {
	if numHeads <= 0 || dim%numHeads != 0 {
		panic(fmt.Sprintf("attention: dim (%d) must be divisible by numHeads (%d)", dim, numHeads))
	}

	inBound := math.Sqrt(6.0 / float64(dim+3*dim))
	outBound := 1.0 / math.Sqrt(float64(dim))
	proj := func(bound float64) *Linear {
		return &Linear{w: NewTensorUniform(rng, bound, dim, dim), b: NewTensor(dim)}
	}

	return &Attention{
		dim:      dim,
		numHeads: numHeads,
		headDim:  dim / numHeads,
		q:        proj(inBound),
		k:        proj(inBound),
		v:        proj(inBound),
		o:        proj(outBound),
	}
}

// Forward computes attention without keeping a cache.
func (a *Attention) Forward(x *Tensor, seqLen int) *Tensor {
	out, _ := a.ForwardWithCache(x, seqLen)
	return out
}

// ForwardWithCache computes attention for x of shape (batch*seqLen, dim),
// where consecutive groups of seqLen rows form one sequence.
func (a *Attention) ForwardWithCache(x *Tensor, seqLen int) (*Tensor, *AttentionCache) {
	if x.Dims() != 2 || x.Cols() != a.dim {
		panic(fmt.Sprintf("attention: input must be (n, %d), got %v", a.dim, x.shape))
	}
	if seqLen <= 0 || x.Rows()%seqLen != 0 {
		panic(fmt.Sprintf("attention: %d rows do not split into sequences of %d", x.Rows(), seqLen))
	}

	cache := &AttentionCache{input: x, seqLen: seqLen}
	cache.q = a.q.Forward(x)
	cache.k = a.k.Forward(x)
	cache.v = a.v.Forward(x)

	numSeq := x.Rows() / seqLen
	scale := 1.0 / math.Sqrt(float64(a.headDim))
	context := NewTensor(x.Rows(), a.dim)
	cache.weights = make([]*Tensor, numSeq*a.numHeads)

	for s := 0; s < numSeq; s++ {
		for h := 0; h < a.numHeads; h++ {
			qh := a.headBlock(cache.q, s, h, seqLen)
			kh := a.headBlock(cache.k, s, h, seqLen)
			vh := a.headBlock(cache.v, s, h, seqLen)

			weights := Softmax(Scale(MatMul(qh, Transpose(kh)), scale))
			cache.weights[s*a.numHeads+h] = weights

			a.putHeadBlock(context, MatMul(weights, vh), s, h, seqLen)
		}
	}

	cache.context = context
	return a.o.Forward(context), cache
}

// Backward propagates gradOutput and returns the gradient w.r.t. the input.
func (a *Attention) Backward(gradOutput *Tensor, cache *AttentionCache) *Tensor {
	seqLen := cache.seqLen
	numSeq := cache.input.Rows() / seqLen
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	gradContext := a.o.Backward(cache.context, gradOutput)

	n := cache.input.Rows()
	gradQ := NewTensor(n, a.dim)
	gradK := NewTensor(n, a.dim)
	gradV := NewTensor(n, a.dim)

	for s := 0; s < numSeq; s++ {
		for h := 0; h < a.numHeads; h++ {
			qh := a.headBlock(cache.q, s, h, seqLen)
			kh := a.headBlock(cache.k, s, h, seqLen)
			vh := a.headBlock(cache.v, s, h, seqLen)
			gradCtx := a.headBlock(gradContext, s, h, seqLen)
			weights := cache.weights[s*a.numHeads+h]

			// context = weights @ vh
			gradWeights, gradVh := MatMulBackward(weights, vh, gradCtx)

			// weights = softmax(scale * qh @ kh^T)
			gradScores := Scale(SoftmaxBackward(weights, gradWeights), scale)
			gradQh := MatMul(gradScores, kh)
			gradKh := MatMul(Transpose(gradScores), qh)

			a.putHeadBlock(gradQ, gradQh, s, h, seqLen)
			a.putHeadBlock(gradK, gradKh, s, h, seqLen)
			a.putHeadBlock(gradV, gradVh, s, h, seqLen)
		}
	}

	// All three projections share the same input, so gradients add up.
	gradInput := a.q.Backward(cache.input, gradQ)
	gradInput = Add(gradInput, a.k.Backward(cache.input, gradK))
	gradInput = Add(gradInput, a.v.Backward(cache.input, gradV))
	return gradInput
}

// Parameters returns projection weights and biases (q, k, v, out).
func (a *Attention) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range []*Linear{a.q, a.k, a.v, a.o} {
		params = append(params, l.Parameters()...)
	}
	return params
}

// headBlock copies the (seqLen, headDim) block of sequence s, head h.
func (a *Attention) headBlock(t *Tensor, s, h, seqLen int) *Tensor {
	out := NewTensor(seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.Row(i), t.Row(s*seqLen+i)[h*a.headDim:(h+1)*a.headDim])
	}
	return out
}

// putHeadBlock writes a (seqLen, headDim) block back into a (n, dim) tensor.
func (a *Attention) putHeadBlock(dst, block *Tensor, s, h, seqLen int) {
	for i := 0; i < seqLen; i++ {
		copy(dst.Row(s*seqLen+i)[h*a.headDim:(h+1)*a.headDim], block.Row(i))
	}
}
