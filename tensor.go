package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Variational autoencoders:
// - "Auto-Encoding Variational Bayes" by Kingma & Welling (2013)
//   Reparameterization trick, KL term against a unit Gaussian prior
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Stability of the matrix operations used below

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// In this codebase almost every tensor is a 2D (cells, features) matrix:
// expression rows, hidden activations, latent codes.
//
// Tensor is not safe for concurrent mutation. Concurrent reads (for example
// parameters during prediction) are fine.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions, usually [rows, cols]
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorFrom builds a (len(rows), len(rows[0])) matrix from row slices.
// All rows must have the same length.
func NewTensorFrom(rows [][]float64) *Tensor {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("tensor: NewTensorFrom needs at least one non-empty row")
	}
	cols := len(rows[0])
	t := NewTensor(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(r), cols))
		}
		copy(t.data[i*cols:(i+1)*cols], r)
	}
	return t
}

// NewTensorNormal fills a tensor with N(0, std²) samples drawn from rng.
func NewTensorNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorUniform fills a tensor with U(-bound, bound) samples drawn from rng.
func NewTensorUniform(rng *rand.Rand, bound float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = (2*rng.Float64() - 1) * bound
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Rows returns the first dimension of a 2D tensor.
func (t *Tensor) Rows() int {
	return t.shape[0]
}

// Cols returns the second dimension of a 2D tensor.
func (t *Tensor) Cols() int {
	if len(t.shape) < 2 {
		return 1
	}
	return t.shape[1]
}

// Data exposes the flat backing slice. Callers must not change its length.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the flat gradient slice.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Row returns a view (no copy) of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	c := t.shape[1]
	return t.data[i*c : (i+1)*c]
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// ToRows copies a 2D tensor into a slice of rows.
func (t *Tensor) ToRows() [][]float64 {
	rows := make([][]float64, t.Rows())
	for i := range rows {
		rows[i] = append([]float64(nil), t.Row(i)...)
	}
	return rows
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Sub performs element-wise subtraction: out = a - b.
func Sub(a, b *Tensor) *Tensor {
	mustSameShape("subtract", a, b)
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] - b.data[i]
	}
	return out
}

// Mul performs element-wise multiplication (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("multiply", a, b)
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
// Uses the global compute configuration to decide on parallel execution.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// AddBias adds a (N) bias vector to every row of a (M, N) matrix.
func AddBias(x, bias *Tensor) *Tensor {
	n := x.Cols()
	if bias.Size() != n {
		panic(fmt.Sprintf("tensor: bias size %d does not match %d columns", bias.Size(), n))
	}
	out := x.Clone()
	for i := range out.data {
		out.data[i] += bias.data[i%n]
	}
	out.ZeroGrad()
	return out
}

// SliceCols copies columns [from, to) of a 2D tensor.
func SliceCols(x *Tensor, from, to int) *Tensor {
	if from < 0 || to > x.Cols() || from >= to {
		panic(fmt.Sprintf("tensor: invalid column range [%d,%d) for %d columns", from, to, x.Cols()))
	}
	out := NewTensor(x.Rows(), to-from)
	for i := 0; i < x.Rows(); i++ {
		copy(out.Row(i), x.Row(i)[from:to])
	}
	return out
}

// ConcatCols joins two matrices with the same row count side by side.
func ConcatCols(a, b *Tensor) *Tensor {
	if a.Rows() != b.Rows() {
		panic(fmt.Sprintf("tensor: cannot concat %v and %v", a.shape, b.shape))
	}
	ca, cb := a.Cols(), b.Cols()
	out := NewTensor(a.Rows(), ca+cb)
	for i := 0; i < a.Rows(); i++ {
		row := out.Row(i)
		copy(row[:ca], a.Row(i))
		copy(row[ca:], b.Row(i))
	}
	return out
}

// ConcatRows stacks matrices with the same column count.
func ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatRows needs at least one tensor")
	}
	cols, rows := ts[0].Cols(), 0
	for _, t := range ts {
		if t.Cols() != cols {
			panic(fmt.Sprintf("tensor: cannot stack %d columns onto %d", t.Cols(), cols))
		}
		rows += t.Rows()
	}
	out := NewTensor(rows, cols)
	off := 0
	for _, t := range ts {
		copy(out.data[off:], t.data)
		off += len(t.data)
	}
	return out
}

// GatherRows returns a new matrix made of the given rows, in order.
func GatherRows(x *Tensor, indices []int) *Tensor {
	if len(indices) == 0 {
		panic("tensor: GatherRows needs at least one index")
	}
	out := NewTensor(len(indices), x.Cols())
	for i, idx := range indices {
		copy(out.Row(i), x.Row(idx))
	}
	return out
}

// ColMeans returns the mean of each column of a 2D tensor.
func ColMeans(x *Tensor) []float64 {
	m, n := x.Rows(), x.Cols()
	means := make([]float64, n)
	for i := 0; i < m; i++ {
		for j, v := range x.Row(i) {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(m)
	}
	return means
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Max(0, v)
	}
	return out
}

// Softmax applies softmax to every row of a 2D tensor.
// Subtracts the row max before exp to prevent overflow.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax currently requires 2D tensor")
	}

	out := NewTensor(x.shape...)
	for b := 0; b < x.Rows(); b++ {
		in, o := x.Row(b), out.Row(b)
		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for f, v := range in {
			o[f] = math.Exp(v - maxVal)
			sum += o[f]
		}
		for f := range o {
			o[f] /= sum
		}
	}
	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

func mustSameShape(op string, a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot %s shapes %v and %v", op, a.shape, b.shape))
	}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
