package main

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Frame is a small string-typed table of per-row annotations, indexed by row
// name. It plays the role of an AnnData obs frame: cell barcodes in Index,
// metadata such as cell type and condition in named columns.
type Frame struct {
	Index []string

	order []string
	cols  map[string][]string
}

// NewFrame creates a frame with the given row names and no columns.
func NewFrame(index []string) *Frame {
	return &Frame{
		Index: append([]string(nil), index...),
		cols:  make(map[string][]string),
	}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.Index)
}

// Columns returns column names in insertion order.
func (f *Frame) Columns() []string {
	return append([]string(nil), f.order...)
}

// Column returns the values of a column. The slice is shared with the frame.
func (f *Frame) Column(key string) ([]string, bool) {
	v, ok := f.cols[key]
	return v, ok
}

// SetColumn adds or replaces a column.
func (f *Frame) SetColumn(key string, values []string) error {
	if len(values) != f.Len() {
		return errors.E(errors.Invalid, fmt.Sprintf("frame: column %q has %d values for %d rows", key, len(values), f.Len()))
	}
	if _, ok := f.cols[key]; !ok {
		f.order = append(f.order, key)
	}
	f.cols[key] = append([]string(nil), values...)
	return nil
}

// Fill sets every row of a column to the same value.
func (f *Frame) Fill(key, value string) {
	values := make([]string, f.Len())
	for i := range values {
		values[i] = value
	}
	// Length always matches.
	_ = f.SetColumn(key, values)
}

// Subset returns a new frame with the given rows, in order.
func (f *Frame) Subset(indices []int) *Frame {
	out := &Frame{
		Index: make([]string, len(indices)),
		order: append([]string(nil), f.order...),
		cols:  make(map[string][]string, len(f.cols)),
	}
	for i, idx := range indices {
		out.Index[i] = f.Index[idx]
	}
	for _, key := range f.order {
		src := f.cols[key]
		dst := make([]string, len(indices))
		for i, idx := range indices {
			dst[i] = src[idx]
		}
		out.cols[key] = dst
	}
	return out
}

// Copy returns a deep copy.
func (f *Frame) Copy() *Frame {
	all := make([]int, f.Len())
	for i := range all {
		all[i] = i
	}
	return f.Subset(all)
}

// CellData is an annotated expression matrix: X holds one row per cell
// (observation) and one column per gene (variable).
type CellData struct {
	X        *Tensor
	Obs      *Frame
	VarNames []string
}

// NewCellData checks that the matrix, obs and var names agree.
func NewCellData(x *Tensor, obs *Frame, varNames []string) (*CellData, error) {
	if x.Dims() != 2 {
		return nil, errors.E(errors.Invalid, ErrInvalidShape.Error(), fmt.Sprint(x.shape))
	}
	if x.Rows() != obs.Len() || x.Cols() != len(varNames) {
		return nil, errors.E(errors.Invalid, ErrShapeMismatch.Error(),
			fmt.Sprintf("matrix %v, %d obs, %d vars", x.shape, obs.Len(), len(varNames)))
	}
	return &CellData{X: x, Obs: obs, VarNames: varNames}, nil
}

// NObs returns the number of cells.
func (d *CellData) NObs() int { return d.X.Rows() }

// NVars returns the number of genes.
func (d *CellData) NVars() int { return d.X.Cols() }

// ObsColumn returns an obs column or an error naming the missing key.
func (d *CellData) ObsColumn(key string) ([]string, error) {
	col, ok := d.Obs.Column(key)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("obs column %q not found (have %v)", key, d.Obs.Columns()))
	}
	return col, nil
}

// Where returns the indices of cells for which keep returns true.
func (d *CellData) Where(keep func(i int) bool) []int {
	var idx []int
	for i := 0; i < d.NObs(); i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Subset returns a copy holding only the given cells. An empty selection is
// an error because a matrix cannot have zero rows.
func (d *CellData) Subset(indices []int) (*CellData, error) {
	if len(indices) == 0 {
		return nil, errors.E(errors.Invalid, "empty cell selection")
	}
	return &CellData{
		X:        GatherRows(d.X, indices),
		Obs:      d.Obs.Subset(indices),
		VarNames: append([]string(nil), d.VarNames...),
	}, nil
}

// Copy returns a deep copy.
func (d *CellData) Copy() *CellData {
	x := d.X.Clone()
	x.ZeroGrad()
	return &CellData{X: x, Obs: d.Obs.Copy(), VarNames: append([]string(nil), d.VarNames...)}
}

// ConcatCells stacks datasets that share the same genes. Obs columns missing
// from a dataset are filled with empty strings.
func ConcatCells(ds ...*CellData) (*CellData, error) {
	if len(ds) == 0 {
		return nil, errors.E(errors.Invalid, "concat: no datasets")
	}
	vars := ds[0].VarNames
	var (
		xs    []*Tensor
		index []string
		keys  []string
		seen  = map[string]bool{}
	)
	for n, d := range ds {
		if len(d.VarNames) != len(vars) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("concat: dataset %d has %d genes, want %d", n, len(d.VarNames), len(vars)))
		}
		for j, v := range d.VarNames {
			if v != vars[j] {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("concat: dataset %d gene %d is %q, want %q", n, j, v, vars[j]))
			}
		}
		xs = append(xs, d.X)
		index = append(index, d.Obs.Index...)
		for _, k := range d.Obs.order {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	obs := NewFrame(index)
	for _, k := range keys {
		var col []string
		for _, d := range ds {
			if c, ok := d.Obs.Column(k); ok {
				col = append(col, c...)
			} else {
				col = append(col, make([]string, d.NObs())...)
			}
		}
		if err := obs.SetColumn(k, col); err != nil {
			return nil, err
		}
	}
	return NewCellData(ConcatRows(xs...), obs, append([]string(nil), vars...))
}

// latentVarNames returns "latent_0" .. "latent_{n-1}".
func latentVarNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("latent_%d", i)
	}
	return names
}
