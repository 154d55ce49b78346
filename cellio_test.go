package main

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellDataRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	data := syntheticCells(t, 6)

	for _, suffix := range []string{".tsv", ".tsv.gz"} {
		matrix := filepath.Join(dir, "x"+suffix)
		obs := filepath.Join(dir, "obs"+suffix)
		require.NoError(t, WriteCellData(ctx, data, matrix, obs))

		got, err := ReadCellData(ctx, matrix, obs)
		require.NoError(t, err, suffix)
		assert.Equal(t, data.VarNames, got.VarNames)
		assert.Equal(t, data.Obs.Index, got.Obs.Index)
		assert.Equal(t, data.Obs.Columns(), got.Obs.Columns())
		assert.Equal(t, data.X.Data(), got.X.Data(), "%s: 'g' -1 formatting round-trips exactly", suffix)
	}
}

func TestReadCellDataMatchesObsByName(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	matrix := filepath.Join(dir, "x.tsv")
	obs := filepath.Join(dir, "obs.tsv")
	require.NoError(t, ioutil.WriteFile(matrix, []byte("cell\tG1\tG2\nc1\t1\t2\nc2\t3\t4.5\n"), 0644))
	require.NoError(t, ioutil.WriteFile(obs, []byte("barcode\tcell_type\tcondition\nc2\tB\tstimulated\nc1\tA\tcontrol\n"), 0644))

	data, err := ReadCellData(context.Background(), matrix, obs)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4.5}}, data.X.ToRows())
	ct, err := data.ObsColumn("cell_type")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ct)

	// Matrix only.
	data, err = ReadCellData(context.Background(), matrix, "")
	require.NoError(t, err)
	assert.Empty(t, data.Obs.Columns())
}

func TestReadCellDataErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
		return path
	}

	good := write("good.tsv", "cell\tG1\nc1\t1\nc2\t2\n")
	for name, content := range map[string]string{
		"empty.tsv":   "",
		"header.tsv":  "cell\tG1\n",
		"nan.tsv":     "cell\tG1\nc1\tabc\n",
		"ragged.tsv":  "cell\tG1\tG2\nc1\t1\n",
		"nogenes.tsv": "cell\nc1\n",
	} {
		_, err := ReadCellData(ctx, write(name, content), "")
		assert.Error(t, err, name)
	}

	missing := write("missing_obs.tsv", "cell\tcell_type\nc1\tA\n")
	_, err := ReadCellData(ctx, good, missing)
	assert.True(t, errors.Is(errors.NotExist, err))

	dup := write("dup_obs.tsv", "cell\tcell_type\nc1\tA\nc1\tB\nc2\tA\n")
	_, err = ReadCellData(ctx, good, dup)
	assert.Error(t, err)

	_, err = ReadCellData(ctx, filepath.Join(dir, "nope.tsv"), "")
	assert.Error(t, err)
}
