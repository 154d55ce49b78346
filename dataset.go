package main

import (
	"math/rand"

	"github.com/grailbio/base/errors"
)

// cellTypeKeys lists the obs columns tried, in order, for the cell-type label:
// PBMC studies use cell_type, H.poly uses cell_label, the species data louvain.
var cellTypeKeys = []string{"cell_type", "cell_label", "louvain"}

// CellDataset pairs expression rows with integer cell-type labels.
type CellDataset struct {
	data     *CellData
	labels   []int
	labelKey string
	mapping  map[string]int
	classes  []string // index -> label
}

// NewCellDataset builds a dataset over data. Labels are numbered in order of
// first appearance.
func NewCellDataset(data *CellData) (*CellDataset, error) {
	var (
		col []string
		key string
	)
	for _, k := range cellTypeKeys {
		if c, ok := data.Obs.Column(k); ok {
			col, key = c, k
			break
		}
	}
	if col == nil {
		return nil, errors.E(errors.NotExist, "dataset: no cell type column (tried cell_type, cell_label, louvain)")
	}

	ds := &CellDataset{
		data:     data,
		labels:   make([]int, len(col)),
		labelKey: key,
		mapping:  make(map[string]int),
	}
	for i, v := range col {
		idx, ok := ds.mapping[v]
		if !ok {
			idx = len(ds.classes)
			ds.mapping[v] = idx
			ds.classes = append(ds.classes, v)
		}
		ds.labels[i] = idx
	}
	return ds, nil
}

// Len returns the number of cells.
func (ds *CellDataset) Len() int {
	return ds.data.NObs()
}

// Item returns the expression row (a view) and label of cell i.
func (ds *CellDataset) Item(i int) ([]float64, int) {
	return ds.data.X.Row(i), ds.labels[i]
}

// LabelKey returns the obs column the labels came from.
func (ds *CellDataset) LabelKey() string {
	return ds.labelKey
}

// LabelMapping returns the label index of every cell type.
func (ds *CellDataset) LabelMapping() map[string]int {
	out := make(map[string]int, len(ds.mapping))
	for k, v := range ds.mapping {
		out[k] = v
	}
	return out
}

// Classes returns cell types ordered by label index.
func (ds *CellDataset) Classes() []string {
	return append([]string(nil), ds.classes...)
}

// Batch is one minibatch of cells.
type Batch struct {
	X      *Tensor
	Labels []int
}

// Batches splits the dataset into minibatches of at most batchSize cells.
// The final partial batch is kept. If rng is non-nil the order is shuffled.
func (ds *CellDataset) Batches(batchSize int, rng *rand.Rand) []Batch {
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches []Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		idx := order[start:end]
		labels := make([]int, len(idx))
		for i, c := range idx {
			labels[i] = ds.labels[c]
		}
		batches = append(batches, Batch{X: GatherRows(ds.data.X, idx), Labels: labels})
	}
	return batches
}
