package main

import (
	"context"
	"io/ioutil"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCACollinearPoints(t *testing.T) {
	// Points on the line (1, 2, -1)·s.
	var rows [][]float64
	for _, s := range []float64{-2, -1, 0, 0.5, 3} {
		rows = append(rows, []float64{s, 2 * s, -s})
	}
	out, err := PCA(NewTensorFrom(rows), testRNG())
	require.NoError(t, err)
	require.Equal(t, []int{5, 2}, out.Shape())

	for i, r := range rows {
		// The first component carries the whole offset from the mean, up to sign.
		centred := math.Sqrt(6) * (r[0] - 0.1)
		assert.InDelta(t, math.Abs(centred), math.Abs(out.At(i, 0)), 1e-6)
		assert.InDelta(t, 0, out.At(i, 1), 1e-6)
	}

	_, err = PCA(NewTensor(1, 3), testRNG())
	assert.Error(t, err)
}

func TestTSNESeparatesClusters(t *testing.T) {
	rng := testRNG()
	x := NewTensor(20, 3)
	for i := 0; i < 20; i++ {
		offset := 0.0
		if i >= 10 {
			offset = 20
		}
		for j := 0; j < 3; j++ {
			x.Set(offset+rng.NormFloat64(), i, j)
		}
	}
	config := DefaultTSNEConfig()
	config.Iterations = 300
	y, err := TSNE(x, config, testRNG())
	require.NoError(t, err)
	require.Equal(t, []int{20, 2}, y.Shape())
	for _, v := range y.Data() {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}

	// Mean within-cluster distance is below the distance between centroids.
	centroid := func(from, to int) []float64 {
		c := make([]float64, 2)
		for i := from; i < to; i++ {
			c[0] += y.At(i, 0) / 10
			c[1] += y.At(i, 1) / 10
		}
		return c
	}
	a, b := centroid(0, 10), centroid(10, 20)
	between := math.Hypot(a[0]-b[0], a[1]-b[1])
	within := 0.0
	for i := 0; i < 10; i++ {
		within += math.Hypot(y.At(i, 0)-a[0], y.At(i, 1)-a[1]) / 10
	}
	assert.Less(t, within, between)

	_, err = TSNE(NewTensor(1, 2), config, testRNG())
	assert.Error(t, err)
}

func TestEmbedWritesObs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	data := syntheticCells(t, 4)

	path := filepath.Join(dir, "embed.tsv")
	require.NoError(t, Embed(ctx, data, EmbedPCA, 1, path))
	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 25)
	assert.Equal(t, "cell\tx\ty\tcell_type\tcondition", lines[0])
	fields := strings.Split(lines[1], "\t")
	require.Len(t, fields, 5)
	assert.Equal(t, "A_control_0", fields[0])
	assert.Equal(t, []string{"A", "control"}, fields[3:])

	assert.Error(t, Embed(ctx, data, "umap", 1, path))
}
