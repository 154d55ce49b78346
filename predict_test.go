package main

import (
	"context"
	"math"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func predictFixture(t *testing.T) (*SCOTC, *CellData, PredictConfig) {
	t.Helper()
	model, err := NewSCOTC(smallModelConfig(6))
	require.NoError(t, err)
	config := DefaultPredictConfig()
	config.CellType = "A"
	config.Ratio = 0.25
	return model, syntheticCells(t, 6), config
}

func TestPredict(t *testing.T) {
	model, data, config := predictFixture(t)
	res, err := Predict(context.Background(), model, data, config)
	require.NoError(t, err)

	assert.Equal(t, 8, res.CtrlLatent.NObs())
	assert.Equal(t, 8, res.StimLatent.NObs())
	assert.Equal(t, 4, res.TestLatent.NObs())
	// Real stimulated cells of the predicted type never enter the matching.
	stimTypes, err := res.StimLatent.ObsColumn("cell_type")
	require.NoError(t, err)
	assert.NotContains(t, stimTypes, "A")
	assert.Equal(t, []int{4, 4}, res.TestLatent.X.Shape())

	pred := res.Pred
	assert.Equal(t, []int{4, 6}, pred.X.Shape())
	assert.Equal(t, data.VarNames, pred.VarNames)
	assert.Equal(t, []string{"A_control_0", "A_control_1", "A_control_2", "A_control_3"}, pred.Obs.Index)
	conds, err := pred.ObsColumn("condition")
	require.NoError(t, err)
	assert.Equal(t, []string{"predicted", "predicted", "predicted", "predicted"}, conds)
	types, err := pred.ObsColumn("cell_type")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A", "A", "A"}, types)
	// The input obs is untouched.
	conds, _ = data.ObsColumn("condition")
	assert.Equal(t, "control", conds[0])

	for _, v := range pred.X.Data() {
		assert.False(t, math.IsNaN(v))
		assert.GreaterOrEqual(t, v, 0.0, "decoder output passes through ReLU")
	}
	assert.GreaterOrEqual(t, res.MatchLoss, 0.0)
}

func TestPredictIsSeeded(t *testing.T) {
	model, data, config := predictFixture(t)
	ctx := context.Background()
	a, err := Predict(ctx, model, data, config)
	require.NoError(t, err)
	b, err := Predict(ctx, model, data, config)
	require.NoError(t, err)
	assert.Equal(t, a.Pred.X.Data(), b.Pred.X.Data())
	assert.Equal(t, a.MatchLoss, b.MatchLoss)

	config.Seed++
	c, err := Predict(ctx, model, data, config)
	require.NoError(t, err)
	assert.NotEqual(t, a.TestLatent.X.Data(), c.TestLatent.X.Data())
}

func TestPredictShiftTerms(t *testing.T) {
	model, data, config := predictFixture(t)
	ctx := context.Background()

	// With r = 0 and e = 0 the prediction is the decoded test latent.
	config.R, config.E = 0, 0
	res, err := Predict(ctx, model, data, config)
	require.NoError(t, err)
	assert.Equal(t, model.Decode(res.TestLatent.X).Data(), res.Pred.X.Data())

	// e adds e·ratio·loss to every latent coordinate.
	config.E = 2
	res, err = Predict(ctx, model, data, config)
	require.NoError(t, err)
	z := res.TestLatent.X.Clone()
	for i := range z.data {
		z.data[i] += config.E * config.Ratio * res.MatchLoss
	}
	want := model.Decode(z).Data()
	got := res.Pred.X.Data()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}
}

func TestPredictSolversAndNeighbors(t *testing.T) {
	model, data, config := predictFixture(t)
	ctx := context.Background()
	for name, mutate := range map[string]func(*PredictConfig){
		"sinkhorn": func(c *PredictConfig) { c.Solver = SolverSinkhorn },
		"per-cell": func(c *PredictConfig) { c.SharedNeighbors = false },
		"sqeuclid": func(c *PredictConfig) { c.Metric = MetricSqEuclidean },
		"all":      func(c *PredictConfig) { c.Ratio = 1 },
	} {
		c := config
		mutate(&c)
		res, err := Predict(ctx, model, data, c)
		require.NoError(t, err, name)
		assert.Equal(t, []int{4, 6}, res.Pred.X.Shape(), name)
	}
}

func TestPredictErrors(t *testing.T) {
	model, data, config := predictFixture(t)
	ctx := context.Background()

	config.CellType = "Z"
	_, err := Predict(ctx, model, data, config)
	assert.True(t, errors.Is(errors.Invalid, err))

	config.CellType = "A"
	config.Keys.StimKey = "treated"
	_, err = Predict(ctx, model, data, config)
	assert.True(t, errors.Is(errors.Invalid, err))

	config = DefaultPredictConfig()
	config.CellType = "A"
	config.Keys.CellTypeKey = "celltype"
	_, err = Predict(ctx, model, data, config)
	assert.True(t, errors.Is(errors.NotExist, err))

	other, err := NewSCOTC(smallModelConfig(5))
	require.NoError(t, err)
	config = DefaultPredictConfig()
	config.CellType = "A"
	_, err = Predict(ctx, other, data, config)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Predict(cancelled, model, data, config)
	assert.Equal(t, context.Canceled, err)
}

func TestPredictIgnoresHeldOutStimulated(t *testing.T) {
	model, data, config := predictFixture(t)
	ctx := context.Background()
	full, err := Predict(ctx, model, data, config)
	require.NoError(t, err)

	train, err := ExcludeStimulated(data, config.Keys, config.CellType)
	require.NoError(t, err)
	filtered, err := Predict(ctx, model, train, config)
	require.NoError(t, err)

	assert.Equal(t, filtered.StimLatent.Obs.Index, full.StimLatent.Obs.Index)
	assert.Equal(t, filtered.Pred.X.Data(), full.Pred.X.Data())
}

func TestPredictResultLatents(t *testing.T) {
	model, data, config := predictFixture(t)
	res, err := Predict(context.Background(), model, data, config)
	require.NoError(t, err)

	all, err := res.Latents()
	require.NoError(t, err)
	assert.Equal(t, 20, all.NObs())
	assert.Equal(t, res.TestLatent.VarNames, all.VarNames)
	conds, err := all.ObsColumn("condition")
	require.NoError(t, err)
	assert.Equal(t, "control", conds[0])
	assert.Equal(t, "stimulated", conds[8])
	assert.Equal(t, "A_control_0", all.Obs.Index[16])
}

func TestNeighbourDeltas(t *testing.T) {
	delta := NewTensorFrom([][]float64{{1, 0}, {0, 1}, {2, 2}})
	sim := NewTensorFrom([][]float64{
		{0.9, 0.1, 0.2},
		{0.1, 0.9, 0.2},
	})

	shared := neighbourDeltas(sim, delta, 1, true)
	assert.Equal(t, [][]float64{{1, 0}, {1, 0}}, shared.ToRows())

	perCell := neighbourDeltas(sim, delta, 1, false)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, perCell.ToRows())

	for i := 0; i < 2; i++ {
		assert.Equal(t, weightedDelta(sim.Row(i), delta, 2), neighbourDeltas(sim, delta, 2, false).Row(i))
	}
}

func TestMatchDeltasRecoversShift(t *testing.T) {
	ctrl := NewTensorFrom([][]float64{{0, 0}, {0, 1}, {0, 3}})
	// The same cells shifted by (10, 0), in a different order.
	stim := NewTensorFrom([][]float64{{10, 3}, {10, 0}, {10, 1}})
	for _, solver := range []string{SolverEMD, SolverSinkhorn} {
		config := DefaultPredictConfig()
		config.Solver = solver
		config.SinkhornReg = 0.01
		delta, err := matchDeltas(stim, ctrl, config)
		require.NoError(t, err, solver)
		assert.Equal(t, [][]float64{{10, 0}, {10, 0}, {10, 0}}, delta.ToRows(), solver)
	}
}

func TestWeightedDelta(t *testing.T) {
	delta := NewTensorFrom([][]float64{{1}, {2}, {3}, {4}})
	sim := []float64{0.1, 0.5, 0.5, 0.2}

	assert.InDelta(t, 2.5, weightedDelta(sim, delta, 2)[0], 1e-12)
	assert.InDelta(t, 3.3/1.2, weightedDelta(sim, delta, 3)[0], 1e-12)

	// Among equal similarities the higher index wins.
	assert.Equal(t, []float64{4}, weightedDelta([]float64{0.3, 0.3, 0.3, 0.3}, delta, 1))
	assert.Equal(t, []float64{3.5}, weightedDelta([]float64{0.3, 0.3, 0.3, 0.3}, delta, 2))

	// Similarities summing to zero fall back to a plain mean.
	assert.InDelta(t, 1.5, weightedDelta([]float64{0.5, -0.5, -1, -1}, delta, 2)[0], 1e-12)
}

func TestExcludeAndStimulatedCells(t *testing.T) {
	data := syntheticCells(t, 4)
	keys := DefaultKeyDict()

	train, err := ExcludeStimulated(data, keys, "B")
	require.NoError(t, err)
	assert.Equal(t, 20, train.NObs())
	assert.NotContains(t, train.Obs.Index, "B_stimulated_0")
	assert.Contains(t, train.Obs.Index, "B_control_0")

	truth, err := StimulatedCells(data, keys, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B_stimulated_0", "B_stimulated_1", "B_stimulated_2", "B_stimulated_3"}, truth.Obs.Index)

	_, err = StimulatedCells(data, keys, "Z")
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestPredictMany(t *testing.T) {
	model, data, config := predictFixture(t)
	ctx := context.Background()

	results, err := PredictMany(ctx, model, data, config, []string{"C", "A", "B"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, ct := range []string{"C", "A", "B"} {
		types, err := results[i].Pred.ObsColumn("cell_type")
		require.NoError(t, err)
		assert.Equal(t, ct, types[0])

		single := config
		single.CellType = ct
		want, err := Predict(ctx, model, data, single)
		require.NoError(t, err)
		assert.Equal(t, want.Pred.X.Data(), results[i].Pred.X.Data(), ct)
	}

	_, err = PredictMany(ctx, model, data, config, []string{"A", "Z"}, 0)
	assert.True(t, errors.Is(errors.Invalid, err))
}
