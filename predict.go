package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Counterfactual prediction: what would held-out control cells of one cell
// type look like under stimulation, given control and stimulated cells of
// the other types?
//
//   1. Encode control cells of the other types (ctrl) and the stimulated
//      cells of the other types (stim) into latent space. Stimulated cells of
//      the held-out type are the ones being predicted and never take part.
//   2. Optimal transport between stim and ctrl under a distance metric gives
//      a coupling G. Each ctrl cell is matched to the stim cell carrying the
//      most of its mass; delta_j = stim[match_j] - ctrl_j is that cell's
//      perturbation vector.
//   3. Encode the held-out control cells (test). Each takes the top
//      ceil(n_ctrl·ratio) ctrl cells by cosine similarity as neighbours and
//      averages their deltas, weighted by similarity.
//   4. pred_z = test_z + r·delta_pred (+ e·ratio·mse(mean ctrl, mean stim)),
//      decoded back to expression.
//
// By default the neighbours are picked once, from the first test cell, and
// the resulting delta is applied to every test cell. With SharedNeighbors
// off each test cell picks its own.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// sinkhornTol is the L1 marginal tolerance for the sinkhorn solver.
const sinkhornTol = 1e-9

// PredictResult holds a prediction and the latent populations behind it.
type PredictResult struct {
	Pred       *CellData // predicted expression, obs of the held-out cells
	CtrlLatent *CellData // control cells of the other types
	StimLatent *CellData // stimulated cells
	TestLatent *CellData // held-out control cells
	MatchLoss  float64   // mse between the mean ctrl and mean stim latents
}

// Predict predicts the stimulated state of the control cells of
// config.CellType. Real stimulated cells of that type may be present in data;
// they are left out of the matching. The model is only read, so concurrent
// calls with separate configs are safe.
func Predict(ctx context.Context, model *SCOTC, data *CellData, config PredictConfig) (*PredictResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if data.NVars() != model.config.InputDim {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("predict: data has %d genes, model expects %d", data.NVars(), model.config.InputDim))
	}
	keys := config.Keys
	cellTypes, err := data.ObsColumn(keys.CellTypeKey)
	if err != nil {
		return nil, err
	}
	conds, err := data.ObsColumn(keys.ConditionKey)
	if err != nil {
		return nil, err
	}

	testIdx := data.Where(func(i int) bool { return cellTypes[i] == config.CellType && conds[i] == keys.CtrlKey })
	ctrlIdx := data.Where(func(i int) bool { return cellTypes[i] != config.CellType && conds[i] == keys.CtrlKey })
	stimIdx := data.Where(func(i int) bool { return cellTypes[i] != config.CellType && conds[i] == keys.StimKey })
	for _, g := range []struct {
		name string
		idx  []int
	}{{"held-out control", testIdx}, {"control", ctrlIdx}, {"stimulated", stimIdx}} {
		if len(g.idx) == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("predict %s: no %s cells", config.CellType, g.name))
		}
	}
	log.Printf("predict %s: %d held-out, %d control, %d stimulated cells",
		config.CellType, len(testIdx), len(ctrlIdx), len(stimIdx))

	rng := rand.New(rand.NewSource(config.Seed))
	latent := func(idx []int) (*CellData, error) {
		sub, err := data.Subset(idx)
		if err != nil {
			return nil, err
		}
		return model.Latent(sub, rng)
	}
	ctrl, err := latent(ctrlIdx)
	if err != nil {
		return nil, err
	}
	stim, err := latent(stimIdx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	delta, err := matchDeltas(stim.X, ctrl.X, config)
	if err != nil {
		return nil, errors.E(err, "predict", config.CellType)
	}
	loss := meanSquaredError(ColMeans(ctrl.X), ColMeans(stim.X))

	test, err := latent(testIdx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nTop := int(math.Ceil(float64(ctrl.NObs()) * config.Ratio))
	if nTop < 1 {
		nTop = 1
	}
	if nTop > ctrl.NObs() {
		nTop = ctrl.NObs()
	}
	shifts := neighbourDeltas(CosineSimilarity(test.X, ctrl.X), delta, nTop, config.SharedNeighbors)

	predZ := test.X.Clone()
	predZ.ZeroGrad()
	for i := 0; i < predZ.Rows(); i++ {
		floats.AddScaled(predZ.Row(i), config.R, shifts.Row(i))
	}
	if config.E != 0 {
		floats.AddConst(config.E*config.Ratio*loss, predZ.data)
	}

	obs := test.Obs.Copy()
	obs.Fill(keys.ConditionKey, keys.PredKey)
	pred, err := NewCellData(model.Decode(predZ), obs, append([]string(nil), data.VarNames...))
	if err != nil {
		return nil, err
	}
	log.Printf("predict %s: %d neighbours per cell, match loss %.4g", config.CellType, nTop, loss)
	return &PredictResult{
		Pred:       pred,
		CtrlLatent: ctrl,
		StimLatent: stim,
		TestLatent: test,
		MatchLoss:  loss,
	}, nil
}

// Latents stacks the control, stimulated and held-out latent codes into one
// CellData for joint visualisation. Obs keep their condition labels.
func (r *PredictResult) Latents() (*CellData, error) {
	return ConcatCells(r.CtrlLatent, r.StimLatent, r.TestLatent)
}

// matchDeltas couples stim and ctrl with optimal transport and returns, for
// every ctrl row, the latent shift to its matched stim cell.
func matchDeltas(stim, ctrl *Tensor, config PredictConfig) (*Tensor, error) {
	cost, err := PairwiseDistance(stim, ctrl, config.Metric)
	if err != nil {
		return nil, err
	}
	var g *Tensor
	switch config.Solver {
	case SolverSinkhorn:
		g, err = Sinkhorn(nil, nil, cost, config.SinkhornReg, config.MaxIter, sinkhornTol)
	default:
		g, err = EMD(nil, nil, cost, config.MaxPivots)
	}
	if err != nil {
		return nil, err
	}
	match := MatchColumns(g)
	return Sub(GatherRows(stim, match), ctrl), nil
}

// neighbourDeltas returns one extrapolated delta per row of sim (test x
// ctrl similarities). With shared set, every row gets the delta of row 0.
func neighbourDeltas(sim, delta *Tensor, nTop int, shared bool) *Tensor {
	out := NewTensor(sim.Rows(), delta.Cols())
	if shared {
		d := weightedDelta(sim.Row(0), delta, nTop)
		for i := 0; i < out.Rows(); i++ {
			copy(out.Row(i), d)
		}
		return out
	}
	ParallelRows(sim.Rows(), globalComputeConfig, func(start, end int) {
		for i := start; i < end; i++ {
			copy(out.Row(i), weightedDelta(sim.Row(i), delta, nTop))
		}
	})
	return out
}

// weightedDelta averages the deltas of the nTop most similar rows, weighted
// by similarity normalised to sum to one. Among equal similarities the
// higher index wins, as with the tail of an ascending argsort.
func weightedDelta(sim []float64, delta *Tensor, nTop int) []float64 {
	order := make([]int, len(sim))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sim[order[a]] < sim[order[b]] })
	top := order[len(order)-nTop:]

	total := 0.0
	for _, j := range top {
		total += sim[j]
	}
	out := make([]float64, delta.Cols())
	for _, j := range top {
		w := 1 / float64(nTop)
		if total != 0 {
			w = sim[j] / total
		}
		floats.AddScaled(out, w, delta.Row(j))
	}
	return out
}

func meanSquaredError(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d / float64(len(a))
}

// ExcludeStimulated drops the stimulated cells of cellType, the cells a
// prediction for cellType is meant to reconstruct.
func ExcludeStimulated(data *CellData, keys KeyDict, cellType string) (*CellData, error) {
	cellTypes, err := data.ObsColumn(keys.CellTypeKey)
	if err != nil {
		return nil, err
	}
	conds, err := data.ObsColumn(keys.ConditionKey)
	if err != nil {
		return nil, err
	}
	return data.Subset(data.Where(func(i int) bool {
		return !(cellTypes[i] == cellType && conds[i] == keys.StimKey)
	}))
}

// StimulatedCells returns the real stimulated cells of cellType.
func StimulatedCells(data *CellData, keys KeyDict, cellType string) (*CellData, error) {
	cellTypes, err := data.ObsColumn(keys.CellTypeKey)
	if err != nil {
		return nil, err
	}
	conds, err := data.ObsColumn(keys.ConditionKey)
	if err != nil {
		return nil, err
	}
	idx := data.Where(func(i int) bool { return cellTypes[i] == cellType && conds[i] == keys.StimKey })
	if len(idx) == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("no stimulated %s cells", cellType))
	}
	return data.Subset(idx)
}

// PredictMany runs Predict for several held-out cell types, at most
// parallelism at a time (0 means no limit). Results are in cellTypes order.
func PredictMany(ctx context.Context, model *SCOTC, data *CellData, base PredictConfig, cellTypes []string, parallelism int) ([]*PredictResult, error) {
	results := make([]*PredictResult, len(cellTypes))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, ct := range cellTypes {
		i, config := i, base
		config.CellType = ct
		g.Go(func() error {
			res, err := Predict(ctx, model, data, config)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
