package main

// ===========================================================================
// DIMENSIONALITY REDUCTION - PCA and t-SNE
// ===========================================================================
//
// WHAT'S GOING ON HERE:
// Latent codes live in LatentDim (200 by default) dimensions. To look at how
// control, stimulated and predicted cells sit relative to each other we
// project them to 2D:
//
//   PCA:   linear, keeps global structure, fast
//   t-SNE: non-linear, keeps local neighbourhoods, O(n²) per iteration
//
// The projection is written as TSV: cell name, x, y, then every obs column,
// ready for any plotting tool.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"gonum.org/v1/gonum/floats"
)

// Projection methods accepted by Embed.
const (
	EmbedPCA  = "pca"
	EmbedTSNE = "tsne"
)

// PCA projects the rows of x onto their top two principal components.
//
// ALGORITHM:
//  1. centre the columns
//  2. covariance C = Xᵀ X / n
//  3. top eigenvector by power iteration, deflate, repeat
//  4. project
func PCA(x *Tensor, rng *rand.Rand) (*Tensor, error) {
	n := x.Rows()
	if n < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pca: need at least 2 points, got %d", n))
	}

	centered := x.Clone()
	means := ColMeans(x)
	for i := 0; i < n; i++ {
		floats.Sub(centered.Row(i), means)
	}

	cov := Scale(MatMul(Transpose(centered), centered), 1/float64(n))
	pc1 := powerIteration(cov, rng, 100)
	pc2 := powerIteration(deflate(cov, pc1), rng, 100)

	out := NewTensor(n, 2)
	for i := 0; i < n; i++ {
		row := centered.Row(i)
		out.Set(floats.Dot(row, pc1), i, 0)
		out.Set(floats.Dot(row, pc2), i, 1)
	}
	return out, nil
}

// powerIteration returns the dominant eigenvector of a symmetric matrix.
func powerIteration(m *Tensor, rng *rand.Rand, iterations int) []float64 {
	d := m.Rows()
	v := make([]float64, d)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	normalize(v)

	next := make([]float64, d)
	for iter := 0; iter < iterations; iter++ {
		for i := range next {
			next[i] = floats.Dot(m.Row(i), v)
		}
		copy(v, next)
		normalize(v)
	}
	return v
}

// deflate returns A - λ v vᵀ with λ = vᵀ A v.
func deflate(m *Tensor, v []float64) *Tensor {
	d := m.Rows()
	av := make([]float64, d)
	for i := range av {
		av[i] = floats.Dot(m.Row(i), v)
	}
	lambda := floats.Dot(v, av)

	out := m.Clone()
	for i := 0; i < d; i++ {
		floats.AddScaled(out.Row(i), -lambda*v[i], v)
	}
	return out
}

// normalize scales v to unit length in place. Near-zero vectors are left alone.
func normalize(v []float64) {
	norm := floats.Norm(v, 2)
	if norm < 1e-10 {
		return
	}
	floats.Scale(1/norm, v)
}

// TSNEConfig holds t-SNE parameters.
type TSNEConfig struct {
	Perplexity   float64 // effective neighbour count, typically 5-50
	Iterations   int
	LearningRate float64
}

// DefaultTSNEConfig returns common t-SNE settings.
func DefaultTSNEConfig() TSNEConfig {
	return TSNEConfig{Perplexity: 30, Iterations: 1000, LearningRate: 200}
}

// TSNE embeds the rows of x in 2D.
//
// Gradient of KL(P || Q) w.r.t. y_i:
//
//	4 Σ_j (P_ij - Q_ij) (y_i - y_j) / (1 + ||y_i - y_j||²)
//
// P is exaggerated 4x for the first 100 iterations; momentum goes from 0.5
// to 0.8 after 250.
func TSNE(x *Tensor, config TSNEConfig, rng *rand.Rand) (*Tensor, error) {
	n := x.Rows()
	if n < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tsne: need at least 2 points, got %d", n))
	}
	perplexity := config.Perplexity
	if limit := float64(n-1) / 3; perplexity > limit {
		perplexity = math.Max(limit, 1)
	}

	distSq, err := PairwiseDistance(x, x, MetricSqEuclidean)
	if err != nil {
		return nil, err
	}
	p := jointProbabilities(distSq, perplexity)
	const exaggeration = 4
	floats.Scale(exaggeration, p.data)

	y := NewTensorNormal(rng, 1e-4, n, 2)
	velocity := NewTensor(n, 2)
	grad := NewTensor(n, 2)
	num := NewTensor(n, n)

	for iter := 0; iter < config.Iterations; iter++ {
		// Student-t kernel in 2D.
		sum := 0.0
		for i := 0; i < n; i++ {
			yi := y.Row(i)
			for j := i + 1; j < n; j++ {
				dist := floats.Distance(yi, y.Row(j), 2)
				q := 1 / (1 + dist*dist)
				num.data[i*n+j], num.data[j*n+i] = q, q
				sum += 2 * q
			}
		}
		sum = math.Max(sum, 1e-10)

		for i := 0; i < n; i++ {
			g := grad.Row(i)
			g[0], g[1] = 0, 0
			yi := y.Row(i)
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				q := math.Max(num.data[i*n+j]/sum, 1e-12)
				f := 4 * (p.data[i*n+j] - q) * num.data[i*n+j]
				g[0] += f * (yi[0] - y.At(j, 0))
				g[1] += f * (yi[1] - y.At(j, 1))
			}
		}

		momentum := 0.5
		if iter > 250 {
			momentum = 0.8
		}
		for i := range y.data {
			velocity.data[i] = momentum*velocity.data[i] - config.LearningRate*grad.data[i]
			y.data[i] += velocity.data[i]
		}

		if iter == 100 {
			floats.Scale(1.0/exaggeration, p.data)
		}
	}
	return y, nil
}

// jointProbabilities turns squared distances into the symmetric t-SNE
// affinities P_ij = (P_j|i + P_i|j) / 2n. Each conditional row uses the
// Gaussian bandwidth whose entropy matches log(perplexity), found by
// bisection on the precision β = 1/2σ².
func jointProbabilities(distSq *Tensor, perplexity float64) *Tensor {
	n := distSq.Rows()
	target := math.Log(perplexity)
	cond := NewTensor(n, n)

	ParallelRows(n, globalComputeConfig, func(start, end int) {
		for i := start; i < end; i++ {
			d, row := distSq.Row(i), cond.Row(i)
			beta, lo, hi := 1.0, 0.0, math.Inf(1)
			for attempt := 0; attempt < 50; attempt++ {
				h := conditionalRow(d, row, i, beta)
				if math.Abs(h-target) < 1e-5 {
					break
				}
				if h > target {
					lo = beta
					if math.IsInf(hi, 1) {
						beta *= 2
					} else {
						beta = (beta + hi) / 2
					}
				} else {
					hi = beta
					beta = (beta + lo) / 2
				}
			}
		}
	})

	joint := NewTensor(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			joint.data[i*n+j] = (cond.data[i*n+j] + cond.data[j*n+i]) / (2 * float64(n))
		}
	}
	return joint
}

// conditionalRow fills row with P_j|i for precision beta and returns its
// entropy. Distances are shifted by the row minimum to avoid underflow.
func conditionalRow(d, row []float64, i int, beta float64) float64 {
	minD := math.Inf(1)
	for j, v := range d {
		if j != i && v < minD {
			minD = v
		}
	}
	sum := 0.0
	for j, v := range d {
		if j == i {
			row[j] = 0
			continue
		}
		row[j] = math.Exp(-(v - minD) * beta)
		sum += row[j]
	}
	h := 0.0
	for j := range row {
		if j == i {
			continue
		}
		row[j] /= sum
		if row[j] > 1e-12 {
			h -= row[j] * math.Log(row[j])
		}
	}
	return h
}

// Embed projects latent codes to 2D with method and writes the coordinates
// plus every obs column to path.
func Embed(ctx context.Context, latent *CellData, method string, seed int64, path string) error {
	rng := rand.New(rand.NewSource(seed))
	var (
		coords *Tensor
		err    error
	)
	switch method {
	case EmbedPCA, "":
		coords, err = PCA(latent.X, rng)
	case EmbedTSNE:
		coords, err = TSNE(latent.X, DefaultTSNEConfig(), rng)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("embed: unknown method %q", method))
	}
	if err != nil {
		return err
	}
	return writeEmbedding(ctx, path, coords, latent.Obs)
}

func writeEmbedding(ctx context.Context, path string, coords *Tensor, obs *Frame) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create embedding", path)
	}
	defer file.CloseAndReport(ctx, f, &err)

	w := tsv.NewWriter(f.Writer(ctx))
	keys := obs.Columns()
	w.WriteString("cell\tx\ty")
	for _, k := range keys {
		w.WriteString(k)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, name := range obs.Index {
		w.WriteString(name)
		w.WriteFloat64(coords.At(i, 0), 'g', 8)
		w.WriteFloat64(coords.At(i, 1), 'g', 8)
		for _, k := range keys {
			col, _ := obs.Column(k)
			w.WriteString(col[i])
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
