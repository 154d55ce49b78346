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

func TestTrainingMetricsOutputs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	m := NewTrainingMetrics()
	_, ok := m.Last()
	assert.False(t, ok)
	assert.Error(t, m.SaveHTML(ctx, filepath.Join(dir, "empty.html")))

	m.Record(EpochMetrics{Epoch: 1, LR: 5e-4, Loss: 3, Rec: 2, KL: 1, Cycle: 0.5})
	m.Record(EpochMetrics{Epoch: 2, LR: 5e-4, Loss: math.NaN(), Rec: 1.5, KL: 0.75, Cycle: 0.25})
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, 2, last.Epoch)

	tsvPath := filepath.Join(dir, "metrics.tsv")
	require.NoError(t, m.WriteTSV(ctx, tsvPath))
	b, err := ioutil.ReadFile(tsvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "epoch\tlr\tloss\trecon_loss\tkl_loss\tcycle_loss", lines[0])
	assert.Equal(t, "1\t0.0005\t3\t2\t1\t0.5", lines[1])

	htmlPath := filepath.Join(dir, "report.html")
	require.NoError(t, m.SaveHTML(ctx, htmlPath))
	b, err = ioutil.ReadFile(htmlPath)
	require.NoError(t, err)
	page := string(b)
	assert.Contains(t, page, "<!DOCTYPE html>")
	assert.Contains(t, page, "2 epochs")
	assert.Contains(t, page, `draw("loss", [3,null], "#58a6ff");`)
	assert.Contains(t, page, `draw("cycle", [0.5,0.25], "#f778ba");`)
}

func TestFormatJSArrayFloat(t *testing.T) {
	assert.Equal(t, "[]", formatJSArrayFloat(nil))
	assert.Equal(t, "[1,0.5,null,null,1e-07]", formatJSArrayFloat([]float64{1, 0.5, math.Inf(1), math.NaN(), 1e-7}))
}
