package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The training loop for the scOTC VAE.
//
//   for each epoch:
//     shuffle cells, split into batches (last partial batch kept)
//     for each batch:
//       forward  (denoise → encode → decode → encode → decode)
//       backward (cycle, reconstruction and KL gradients)
//       clip gradients by global norm
//       Adam step (L2 weight decay added to the gradient)
//     log epoch means of total / reconstruction / KL / cycle losses
//     multiply the learning rate by LRStepGamma
//
// ===========================================================================

import (
	"context"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/montanaflynn/stats"
)

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			p.data[i] -= lr * (p.grad[i] + opt.weightDecay*p.data[i])
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam with coupled L2 weight decay.
//
//	g     = grad + weightDecay * param
//	m_t   = beta1 * m_{t-1} + (1 - beta1) * g
//	v_t   = beta2 * v_{t-1} + (1 - beta2) * g²
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor // First moment
	v []*Tensor // Second moment
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer with state for params.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}
	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step performs one Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i].data, opt.v[i].data
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]
			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	baseLR   float64
	gamma    float64
	stepSize int
	epoch    int
}

// NewStepLR creates a step scheduler.
func NewStepLR(baseLR, gamma float64, stepSize int) *StepLR {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepLR{baseLR: baseLR, gamma: gamma, stepSize: stepSize}
}

// LR returns the current learning rate.
func (s *StepLR) LR() float64 {
	return s.baseLR * math.Pow(s.gamma, float64(s.epoch/s.stepSize))
}

// Step advances the scheduler by one epoch.
func (s *StepLR) Step() {
	s.epoch++
}

// clipGradients rescales gradients so their global L2 norm is at most
// maxNorm. Returns the norm before clipping.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / (globalNorm + 1e-6)
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
	return globalNorm
}

// StepResult reports the loss terms of one optimisation step.
type StepResult struct {
	Loss  float64
	Rec   float64 // batch mean reconstruction SSE
	KL    float64 // batch mean KL
	Cycle float64 // batch mean cycle SSE
	XHat  *Tensor
}

// TrainStep runs forward, backward, clipping and one optimizer update.
func TrainStep(model *SCOTC, x *Tensor, optimizer Optimizer, lr, clipNorm float64) StepResult {
	params := model.Parameters()
	optimizer.ZeroGrad(params)

	res := model.Forward(x)
	model.Backward(res)
	clipGradients(params, clipNorm)
	optimizer.Step(params, lr)

	return StepResult{
		Loss:  res.Loss,
		Rec:   mean(res.Rec),
		KL:    mean(res.KL),
		Cycle: mean(res.Cycle),
		XHat:  res.XHat,
	}
}

// TrainResult is what Train hands back.
type TrainResult struct {
	// X and XHat hold the last batch of every epoch and its reconstruction,
	// stacked in epoch order.
	X       *Tensor
	XHat    *Tensor
	Metrics *TrainingMetrics
}

// Train fits model to every cell of data.
func Train(ctx context.Context, model *SCOTC, data *CellData, config TrainingConfig) (*TrainResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if data.NVars() != model.config.InputDim {
		return nil, errors.E(errors.Invalid, "train: gene count does not match model input_dim")
	}
	ds, err := NewCellDataset(data)
	if err != nil {
		return nil, err
	}

	params := model.Parameters()
	var optimizer Optimizer
	if config.Optimizer == "sgd" {
		optimizer = NewSGDOptimizer(config.WeightDecay)
	} else {
		optimizer = NewAdamOptimizer(params, config.AdamBeta1, config.AdamBeta2, config.AdamEpsilon, config.WeightDecay)
	}
	scheduler := NewStepLR(config.LearningRate, config.LRStepGamma, 1)

	var shuffle *rand.Rand
	if config.Shuffle {
		shuffle = rand.New(rand.NewSource(config.Seed))
	}

	log.Printf("train: %d cells, %d genes, %d classes (%s), %d parameters",
		ds.Len(), data.NVars(), len(ds.Classes()), ds.LabelKey(), countParameters(params))

	metrics := NewTrainingMetrics()
	var lastX, lastXHat []*Tensor
	for epoch := 0; epoch < config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lr := scheduler.LR()

		var loss, rec, kl, cycle stats.Float64Data
		var last Batch
		var lastRes StepResult
		for _, batch := range ds.Batches(config.BatchSize, shuffle) {
			r := TrainStep(model, batch.X, optimizer, lr, config.GradClipNorm)
			loss = append(loss, r.Loss)
			rec = append(rec, r.Rec)
			kl = append(kl, r.KL)
			cycle = append(cycle, r.Cycle)
			last, lastRes = batch, r
		}
		lastX = append(lastX, last.X)
		lastXHat = append(lastXHat, lastRes.XHat)

		e := EpochMetrics{Epoch: epoch, LR: lr}
		// Every epoch has at least one batch, so Mean cannot fail.
		e.Loss, _ = loss.Mean()
		e.Rec, _ = rec.Mean()
		e.KL, _ = kl.Mean()
		e.Cycle, _ = cycle.Mean()
		metrics.Record(e)
		if math.IsNaN(e.Loss) || math.IsInf(e.Loss, 0) {
			return nil, errors.E(errors.Invalid, "train: loss diverged at epoch", e.String())
		}
		log.Printf("train: %s", e)

		scheduler.Step()
	}

	return &TrainResult{
		X:       ConcatRows(lastX...),
		XHat:    ConcatRows(lastXHat...),
		Metrics: metrics,
	}, nil
}

// countParameters counts scalar parameters.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}

func mean(v []float64) float64 {
	m, _ := stats.Mean(v)
	return m
}
