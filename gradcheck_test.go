package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// numericalGrad differentiates loss with respect to every element of data by
// central differences.
func numericalGrad(loss func() float64, data []float64, eps float64) []float64 {
	grad := make([]float64, len(data))
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		plus := loss()
		data[i] = orig - eps
		minus := loss()
		data[i] = orig
		grad[i] = (plus - minus) / (2 * eps)
	}
	return grad
}

// weightedSum returns Σ w⊙y, a scalar loss whose gradient w.r.t. y is w.
func weightedSum(y, w *Tensor) float64 {
	s := 0.0
	for i, v := range y.data {
		s += v * w.data[i]
	}
	return s
}

// assertGradClose compares analytic and numerical gradients with a mixed
// absolute/relative tolerance.
func assertGradClose(t *testing.T, name string, want, got []float64, tol float64) {
	t.Helper()
	if !assert.Equal(t, len(want), len(got), "%s: gradient length", name) {
		return
	}
	for i := range want {
		scale := math.Max(1, math.Max(math.Abs(want[i]), math.Abs(got[i])))
		if math.Abs(want[i]-got[i]) > tol*scale {
			t.Errorf("%s[%d]: numerical %.8g, analytic %.8g", name, i, want[i], got[i])
			return
		}
	}
}

// awayFromZero nudges values off the ReLU kink so finite differences stay on
// one side of it.
func awayFromZero(t *Tensor, margin float64) {
	for i, v := range t.data {
		if math.Abs(v) < margin {
			if v < 0 {
				t.data[i] = -margin
			} else {
				t.data[i] = margin
			}
		}
	}
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewSource(42))
}
