package main

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellDatasetLabels(t *testing.T) {
	data := syntheticCells(t, 3)
	ds, err := NewCellDataset(data)
	require.NoError(t, err)

	assert.Equal(t, 24, ds.Len())
	assert.Equal(t, "cell_type", ds.LabelKey())
	assert.Equal(t, []string{"A", "B", "C"}, ds.Classes())
	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 2}, ds.LabelMapping())

	row, label := ds.Item(9)
	assert.Equal(t, data.X.Row(9), row)
	assert.Equal(t, 1, label)
}

func TestCellDatasetKeyFallback(t *testing.T) {
	x := NewTensor(3, 2)
	obs := NewFrame([]string{"a", "b", "c"})
	require.NoError(t, obs.SetColumn("louvain", []string{"7", "3", "7"}))
	data, err := NewCellData(x, obs, []string{"g1", "g2"})
	require.NoError(t, err)

	ds, err := NewCellDataset(data)
	require.NoError(t, err)
	assert.Equal(t, "louvain", ds.LabelKey())
	// First appearance order, not sorted order.
	assert.Equal(t, []string{"7", "3"}, ds.Classes())

	require.NoError(t, obs.SetColumn("cell_label", []string{"x", "y", "z"}))
	ds, err = NewCellDataset(data)
	require.NoError(t, err)
	assert.Equal(t, "cell_label", ds.LabelKey())

	_, err = NewCellDataset(&CellData{X: x, Obs: NewFrame([]string{"a", "b", "c"}), VarNames: []string{"g1", "g2"}})
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestBatches(t *testing.T) {
	data := syntheticCells(t, 3)
	ds, err := NewCellDataset(data)
	require.NoError(t, err)

	batches := ds.Batches(10, nil)
	require.Len(t, batches, 3)
	assert.Equal(t, 10, batches[0].X.Rows())
	assert.Equal(t, 4, batches[2].X.Rows())
	assert.Equal(t, data.X.Row(0), batches[0].X.Row(0))

	// A shuffled epoch is a permutation of the cells.
	var labels []int
	for _, b := range ds.Batches(7, rand.New(rand.NewSource(1))) {
		labels = append(labels, b.Labels...)
	}
	require.Len(t, labels, 24)
	sort.Ints(labels)
	for i, l := range labels {
		assert.Equal(t, i/8, l)
	}
}
