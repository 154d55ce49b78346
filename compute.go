package main

import (
	"runtime"

	"github.com/grailbio/base/traverse"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Parallel execution of the matrix work that dominates training and
// prediction: the encoder/decoder matmuls and the cells x cells distance
// matrices used by optimal transport.
//
// Work is split into contiguous blocks of output rows; each block is a
// traverse job. Blocks write disjoint rows, so no locking is needed.
//
// Small problems stay single-threaded: below MinSizeForParallel rows the
// goroutine overhead is larger than the work.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of row blocks to run concurrently.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum number of output rows before
	// parallelization is used.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (can be overridden per operation)
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// ConfigureThreads sets the worker count of the global configuration: 1 runs
// single-threaded, 0 or less keeps the current setting.
func ConfigureThreads(n int) {
	switch {
	case n == 1:
		SetGlobalComputeConfig(SingleThreadedConfig())
	case n > 1:
		cfg := GetGlobalComputeConfig()
		cfg.Parallel = true
		cfg.NumWorkers = n
		SetGlobalComputeConfig(cfg)
	}
}

// ParallelRows runs fn over [0, n) split into contiguous blocks.
// fn receives a half-open row range and must only touch those rows.
func ParallelRows(n int, cfg ComputeConfig, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := cfg.numWorkers()
	if !cfg.shouldParallelize(n) || workers <= 1 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}
	rowsPerWorker := (n + workers - 1) / workers
	// fn never fails, so the traverse error is always nil.
	_ = traverse.Each(workers, func(w int) error {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > n {
			end = n
		}
		if start < end {
			fn(start, end)
		}
		return nil
	})
}

// MatMulWithConfig performs matrix multiplication with the given config.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic("tensor: incompatible dimensions for matmul")
	}
	n := b.shape[1]

	out := NewTensor(m, n)
	ParallelRows(m, cfg, func(start, end int) {
		matmulRows(a, b, out, start, end, n, k)
	})
	return out
}

// matmulRows computes output rows [startRow, endRow).
// The i-k-j loop order walks B and C row-wise.
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		aRow := a.data[i*k : (i+1)*k]
		cRow := out.data[i*n : (i+1)*n]
		for kk, av := range aRow {
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				cRow[j] += av * bv
			}
		}
	}
}
