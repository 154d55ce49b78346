package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The scOTC model: a denoising VAE over gene-expression rows with an
// attention refinement of the latent code and a cycle-consistency term.
//
//   x ──(+noise)──► encoder ──► [mu | logvar] ──reparam──► z0 ──attn──► z
//                                                                        │
//   x_cycle ◄── decoder ◄── z_hat ◄── encoder ◄── x_hat ◄── decoder ◄────┘
//
// LOSS (per cell b, averaged over the batch):
//
//   rec_b   = Σ_g (x - x_hat)²
//   kl_b    = Σ_j ½ (mu² + exp(logvar) - 1 - logvar)
//   cycle_b = Σ_g (x - x_cycle)²
//   loss    = mean_b(0.4·rec_b + 0.3·KLWeight·kl_b + CycleWeight·cycle_b)
//
// The second encode/decode pass is fully differentiated: the cycle gradient
// reaches the first decoder through x_hat.
//
// The encoder output is split in halves: the first LatentDim columns are mu,
// the rest logvar.
//
// ===========================================================================

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
)

const (
	recWeight = 0.4 // weight of the reconstruction term
	klScale   = 0.3 // weight applied on top of KLWeight
)

// SCOTC is the variational autoencoder.
type SCOTC struct {
	config  ModelConfig
	encoder *MLP
	decoder *MLP
	attn    *Attention // nil when NumHeads == 0

	rng *rand.Rand // training noise
}

// NewSCOTC creates a model with freshly initialised weights.
func NewSCOTC(config ModelConfig) (*SCOTC, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(config.Seed))

	m := &SCOTC{
		config:  config,
		encoder: NewMLP(rng, []int{config.InputDim, config.HiddenDim, config.HiddenDim, 2 * config.LatentDim}, false),
		decoder: NewMLP(rng, []int{config.LatentDim, config.HiddenDim, config.HiddenDim, config.InputDim}, true),
		rng:     rng,
	}
	if config.NumHeads >= 1 {
		m.attn = NewAttention(rng, config.LatentDim, config.NumHeads)
	}
	return m, nil
}

// Config returns the model configuration.
func (m *SCOTC) Config() ModelConfig {
	return m.config
}

// Parameters returns every trainable tensor: encoder, decoder, attention.
func (m *SCOTC) Parameters() []*Tensor {
	params := append(m.encoder.Parameters(), m.decoder.Parameters()...)
	if m.attn != nil {
		params = append(params, m.attn.Parameters()...)
	}
	return params
}

type encodeCache struct {
	mlp    *MLPCache
	logvar *Tensor
	eps    *Tensor
	std    *Tensor
	attn   *AttentionCache
}

// Encode maps expression rows to sampled, attention-refined latent codes.
// Noise for the reparameterization is drawn from rng.
func (m *SCOTC) Encode(x *Tensor, rng *rand.Rand) (z, mu, logvar *Tensor) {
	z, mu, logvar, _ = m.encodeWithCache(x, rng)
	return z, mu, logvar
}

func (m *SCOTC) encodeWithCache(x *Tensor, rng *rand.Rand) (z, mu, logvar *Tensor, cache *encodeCache) {
	latent := m.config.LatentDim
	h, mlpCache := m.encoder.ForwardWithCache(x)
	mu = SliceCols(h, 0, latent)
	logvar = SliceCols(h, latent, 2*latent)

	eps := NewTensorNormal(rng, 1, mu.shape...)
	std := NewTensor(mu.shape...)
	z = NewTensor(mu.shape...)
	for i := range z.data {
		std.data[i] = math.Exp(0.5 * logvar.data[i])
		z.data[i] = mu.data[i] + eps.data[i]*std.data[i]
	}

	cache = &encodeCache{mlp: mlpCache, logvar: logvar, eps: eps, std: std}
	if m.attn != nil {
		z, cache.attn = m.attn.ForwardWithCache(z, 1)
	}
	return z, mu, logvar, cache
}

// encodeBackward returns the gradient w.r.t. the encoder input. gradMu and
// gradLogvar are direct loss gradients on mu/logvar and may be nil.
func (m *SCOTC) encodeBackward(gradZ, gradMu, gradLogvar *Tensor, cache *encodeCache) *Tensor {
	if cache.attn != nil {
		gradZ = m.attn.Backward(gradZ, cache.attn)
	}

	// z = mu + eps * exp(½ logvar)
	gMu := gradZ.Clone()
	gLogvar := NewTensor(gradZ.shape...)
	for i, g := range gradZ.data {
		gLogvar.data[i] = g * cache.eps.data[i] * 0.5 * cache.std.data[i]
	}
	if gradMu != nil {
		gMu = Add(gMu, gradMu)
	}
	if gradLogvar != nil {
		gLogvar = Add(gLogvar, gradLogvar)
	}
	return m.encoder.Backward(ConcatCols(gMu, gLogvar), cache.mlp)
}

// Decode maps latent codes back to expression space.
func (m *SCOTC) Decode(z *Tensor) *Tensor {
	if z.Cols() != m.config.LatentDim {
		panic("scotc: latent width mismatch")
	}
	return m.decoder.Forward(z)
}

// ForwardResult holds the outputs of one training forward pass.
type ForwardResult struct {
	XHat   *Tensor
	Rec    []float64 // per-cell reconstruction SSE
	KL     []float64 // per-cell KL divergence
	Cycle  []float64 // per-cell cycle SSE
	Loss   float64   // batch objective
	x      *Tensor
	xCycle *Tensor
	mu     *Tensor
	enc1   *encodeCache
	dec1   *MLPCache
	enc2   *encodeCache
	dec2   *MLPCache
}

// Forward runs the denoising + cycle pass on a batch and computes the loss
// terms. Noise comes from the model's own generator.
func (m *SCOTC) Forward(x *Tensor) *ForwardResult {
	if x.Cols() != m.config.InputDim {
		panic("scotc: input width mismatch")
	}
	batch := x.Rows()

	noisy := x.Clone()
	for i := range noisy.data {
		noisy.data[i] += m.rng.NormFloat64() * m.config.NoiseRate
	}

	z, mu, logvar, enc1 := m.encodeWithCache(noisy, m.rng)
	xHat, dec1 := m.decoder.ForwardWithCache(z)

	zHat, _, _, enc2 := m.encodeWithCache(xHat, m.rng)
	xCycle, dec2 := m.decoder.ForwardWithCache(zHat)

	res := &ForwardResult{
		XHat:   xHat,
		Rec:    rowSSE(x, xHat),
		KL:     make([]float64, batch),
		Cycle:  rowSSE(x, xCycle),
		x:      x,
		xCycle: xCycle,
		mu:     mu,
		enc1:   enc1,
		dec1:   dec1,
		enc2:   enc2,
		dec2:   dec2,
	}

	latent := m.config.LatentDim
	for b := 0; b < batch; b++ {
		kl := 0.0
		mr, lr := mu.Row(b), logvar.Row(b)
		for j := 0; j < latent; j++ {
			kl += 0.5 * (mr[j]*mr[j] + math.Exp(lr[j]) - 1 - lr[j])
		}
		res.KL[b] = kl
	}

	total := 0.0
	for b := 0; b < batch; b++ {
		total += recWeight*res.Rec[b] + klScale*m.config.KLWeight*res.KL[b] + m.config.CycleWeight*res.Cycle[b]
	}
	res.Loss = total / float64(batch)
	return res
}

// Backward accumulates parameter gradients of res.Loss.
func (m *SCOTC) Backward(res *ForwardResult) {
	batch := float64(res.x.Rows())

	// cycle = Σ (x - x_cycle)²
	gradCycle := Scale(Sub(res.xCycle, res.x), 2*m.config.CycleWeight/batch)
	gradZHat := m.decoder.Backward(gradCycle, res.dec2)
	gradXHat := m.encodeBackward(gradZHat, nil, nil, res.enc2)

	// rec = Σ (x - x_hat)²
	gradXHat = Add(gradXHat, Scale(Sub(res.XHat, res.x), 2*recWeight/batch))
	gradZ := m.decoder.Backward(gradXHat, res.dec1)

	// kl = Σ ½ (mu² + exp(logvar) - 1 - logvar)
	klCoef := klScale * m.config.KLWeight / batch
	gradMu := Scale(res.mu, klCoef)
	gradLogvar := NewTensor(res.mu.shape...)
	for i, lv := range res.enc1.logvar.data {
		gradLogvar.data[i] = klCoef * 0.5 * (math.Exp(lv) - 1)
	}
	m.encodeBackward(gradZ, gradMu, gradLogvar, res.enc1)
}

// Latent encodes every cell of data and returns the codes as a CellData with
// a copy of data's obs and "latent_i" variable names.
func (m *SCOTC) Latent(data *CellData, rng *rand.Rand) (*CellData, error) {
	if data.NVars() != m.config.InputDim {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("latent: data has %d genes, model expects %d", data.NVars(), m.config.InputDim))
	}
	z, _, _ := m.Encode(data.X, rng)
	return NewCellData(z, data.Obs.Copy(), latentVarNames(m.config.LatentDim))
}

// rowSSE returns Σ_j (a[i,j]-b[i,j])² for every row i.
func rowSSE(a, b *Tensor) []float64 {
	out := make([]float64, a.Rows())
	for i := range out {
		ar, br := a.Row(i), b.Row(i)
		for j := range ar {
			d := ar[j] - br[j]
			out[i] += d * d
		}
	}
	return out
}

// Reseed restarts the generator behind the training noise.
func (m *SCOTC) Reseed(seed int64) {
	m.rng = rand.New(rand.NewSource(seed))
}
