package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	assert.True(t, cfg.Parallel)
	assert.Greater(t, cfg.numWorkers(), 0)

	single := SingleThreadedConfig()
	assert.False(t, single.Parallel)
	assert.Equal(t, 1, single.numWorkers())
	assert.False(t, single.shouldParallelize(1<<20))

	cfg.MinSizeForParallel = 100
	assert.False(t, cfg.shouldParallelize(99))
	assert.True(t, cfg.shouldParallelize(100))
}

func TestParallelMatMulCorrectness(t *testing.T) {
	rng := testRNG()
	a := NewTensorNormal(rng, 1, 130, 17)
	b := NewTensorNormal(rng, 1, 17, 9)

	want := MatMulWithConfig(a, b, SingleThreadedConfig())
	got := MatMulWithConfig(a, b, ComputeConfig{Parallel: true, NumWorkers: 7, MinSizeForParallel: 1})
	require.Equal(t, want.Shape(), got.Shape())
	for i := range want.data {
		assert.InDelta(t, want.data[i], got.data[i], 1e-12)
	}
}

func TestParallelRowsCoversEveryRowOnce(t *testing.T) {
	for _, n := range []int{1, 5, 64, 1001} {
		var (
			mu   sync.Mutex
			seen = make([]int, n)
		)
		ParallelRows(n, ComputeConfig{Parallel: true, NumWorkers: 8, MinSizeForParallel: 1}, func(start, end int) {
			mu.Lock()
			defer mu.Unlock()
			for i := start; i < end; i++ {
				seen[i]++
			}
		})
		for i, c := range seen {
			require.Equal(t, 1, c, "n=%d row %d", n, i)
		}
	}
	ParallelRows(0, DefaultComputeConfig(), func(start, end int) {
		t.Fatal("called for an empty range")
	})
}

func TestGlobalComputeConfig(t *testing.T) {
	orig := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(orig)

	SetGlobalComputeConfig(SingleThreadedConfig())
	assert.False(t, GetGlobalComputeConfig().Parallel)
}

func TestConfigureThreads(t *testing.T) {
	orig := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(orig)

	ConfigureThreads(1)
	assert.Equal(t, SingleThreadedConfig(), GetGlobalComputeConfig())

	ConfigureThreads(3)
	cfg := GetGlobalComputeConfig()
	assert.True(t, cfg.Parallel)
	assert.Equal(t, 3, cfg.numWorkers())

	// 0 leaves the setting alone.
	ConfigureThreads(0)
	assert.Equal(t, cfg, GetGlobalComputeConfig())
}

func BenchmarkMatMulSingleThreaded(b *testing.B) {
	rng := testRNG()
	x := NewTensorNormal(rng, 1, 128, 1000)
	w := NewTensorNormal(rng, 1, 1000, 200)
	cfg := SingleThreadedConfig()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MatMulWithConfig(x, w, cfg)
	}
}

func BenchmarkMatMulParallel(b *testing.B) {
	rng := testRNG()
	x := NewTensorNormal(rng, 1, 128, 1000)
	w := NewTensorNormal(rng, 1, 1000, 200)
	cfg := DefaultComputeConfig()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MatMulWithConfig(x, w, cfg)
	}
}
