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

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Model.Validate())
	assert.NoError(t, cfg.Training.Validate())
	assert.Equal(t, 128, cfg.Training.BatchSize)
	assert.Equal(t, 5e-4, cfg.Training.LearningRate)
	assert.Equal(t, 10.0, cfg.Training.GradClipNorm)

	// Predict needs a cell type.
	assert.Error(t, cfg.Predict.Validate())
	cfg.Predict.CellType = "CD4T"
	assert.NoError(t, cfg.Predict.Validate())
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
model:
  latent_dim: 32
  num_heads: 0
training:
  epochs: 5
predict:
  cell_type: CD4T
  ratio: 0.1
  solver: sinkhorn
  keys:
    condition_key: stim
`))
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Model.LatentDim)
	assert.Equal(t, 0, cfg.Model.NumHeads)
	assert.Equal(t, 1000, cfg.Model.HiddenDim)
	assert.Equal(t, 5, cfg.Training.Epochs)
	assert.Equal(t, 128, cfg.Training.BatchSize)
	assert.Equal(t, "CD4T", cfg.Predict.CellType)
	assert.Equal(t, 0.1, cfg.Predict.Ratio)
	assert.Equal(t, SolverSinkhorn, cfg.Predict.Solver)
	assert.Equal(t, "stim", cfg.Predict.Keys.ConditionKey)
	assert.Equal(t, "control", cfg.Predict.Keys.CtrlKey)
	assert.True(t, cfg.Predict.SharedNeighbors)
	assert.NoError(t, cfg.Predict.Validate())

	_, err = ParseConfig([]byte("model: [1, 2"))
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestConfigValidation(t *testing.T) {
	m := DefaultModelConfig()
	m.LatentDim = 10
	m.NumHeads = 4
	assert.Error(t, m.Validate())
	m.NumHeads = 0
	assert.NoError(t, m.Validate())

	tc := DefaultTrainingConfig()
	tc.Optimizer = "rmsprop"
	assert.Error(t, tc.Validate())

	p := DefaultPredictConfig()
	p.CellType = "B"
	for _, mutate := range []func(*PredictConfig){
		func(p *PredictConfig) { p.Ratio = 0 },
		func(p *PredictConfig) { p.Ratio = 1.5 },
		func(p *PredictConfig) { p.Metric = "cosine" },
		func(p *PredictConfig) { p.Solver = "lp" },
		func(p *PredictConfig) { p.MaxIter = 0 },
		func(p *PredictConfig) { p.MaxPivots = -1 },
		func(p *PredictConfig) { p.Keys.PredKey = "" },
	} {
		bad := p
		mutate(&bad)
		assert.Error(t, bad.Validate())
	}
}

func TestLoadConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "scotc.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("training:\n  lr_step_gamma: 0.99\n"), 0644))

	cfg, err := LoadConfig(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 0.99, cfg.Training.LRStepGamma)

	cfg, err = LoadConfig(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = LoadConfig(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
