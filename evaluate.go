package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/montanaflynn/stats"
	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"
)

// Evaluation compares predicted cells against real stimulated cells of the
// same type, gene by gene.
type Evaluation struct {
	Label string // usually the held-out cell type
	Genes int    // number of genes compared
	NPred int
	NReal int

	MeanR2      float64 // R² of real gene means regressed on predicted means
	VarR2       float64 // same for gene variances
	MeanPearson float64
	VarPearson  float64
}

// Evaluate compares pred with truth over genes (all shared genes if empty).
func Evaluate(label string, pred, truth *CellData, genes []string) (*Evaluation, error) {
	cols, err := geneColumns(pred, truth, genes)
	if err != nil {
		return nil, err
	}
	if len(cols[0]) < 3 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("evaluate %s: need at least 3 genes, have %d", label, len(cols[0])))
	}
	predMean, predVar, err := geneMoments(pred, cols[0])
	if err != nil {
		return nil, err
	}
	realMean, realVar, err := geneMoments(truth, cols[1])
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		Label:       label,
		Genes:       len(cols[0]),
		NPred:       pred.NObs(),
		NReal:       truth.NObs(),
		MeanPearson: stat.Correlation(predMean, realMean, nil),
		VarPearson:  stat.Correlation(predVar, realVar, nil),
	}
	if ev.MeanR2, err = rSquared(predMean, realMean); err != nil {
		return nil, errors.E(err, "evaluate", label, "means")
	}
	if ev.VarR2, err = rSquared(predVar, realVar); err != nil {
		return nil, errors.E(err, "evaluate", label, "variances")
	}
	return ev, nil
}

func (e *Evaluation) String() string {
	return fmt.Sprintf("%s: %d genes, R² mean %.4f var %.4f, pearson mean %.4f var %.4f",
		e.Label, e.Genes, e.MeanR2, e.VarR2, e.MeanPearson, e.VarPearson)
}

// geneColumns returns, for pred and truth, the column index of every gene
// to compare.
func geneColumns(pred, truth *CellData, genes []string) ([2][]int, error) {
	var cols [2][]int
	realIdx := make(map[string]int, truth.NVars())
	for j, g := range truth.VarNames {
		realIdx[g] = j
	}
	predIdx := make(map[string]int, pred.NVars())
	for j, g := range pred.VarNames {
		predIdx[g] = j
	}
	if len(genes) == 0 {
		genes = pred.VarNames
	}
	for _, g := range genes {
		pj, ok := predIdx[g]
		if !ok {
			return cols, errors.E(errors.NotExist, fmt.Sprintf("gene %q not in prediction", g))
		}
		rj, ok := realIdx[g]
		if !ok {
			return cols, errors.E(errors.NotExist, fmt.Sprintf("gene %q not in real data", g))
		}
		cols[0] = append(cols[0], pj)
		cols[1] = append(cols[1], rj)
	}
	return cols, nil
}

// geneMoments returns the mean and population variance of every listed column.
func geneMoments(d *CellData, cols []int) (means, vars []float64, err error) {
	means = make([]float64, len(cols))
	vars = make([]float64, len(cols))
	col := make(stats.Float64Data, d.NObs())
	for k, j := range cols {
		for i := range col {
			col[i] = d.X.At(i, j)
		}
		if means[k], err = col.Mean(); err != nil {
			return nil, nil, err
		}
		if vars[k], err = stats.PopulationVariance(col); err != nil {
			return nil, nil, err
		}
	}
	return means, vars, nil
}

// rSquared fits y ~ x by least squares and returns R².
func rSquared(x, y []float64) (float64, error) {
	r := new(regression.Regression)
	r.SetObserved("real")
	r.SetVar(0, "predicted")
	for i := range x {
		r.Train(regression.DataPoint(y[i], []float64{x[i]}))
	}
	if err := r.Run(); err != nil {
		return 0, err
	}
	return r.R2, nil
}

// WriteEvaluations writes one row per evaluation.
func WriteEvaluations(ctx context.Context, path string, evals []*Evaluation) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create evaluation", path)
	}
	defer file.CloseAndReport(ctx, f, &err)

	w := tsv.NewWriter(f.Writer(ctx))
	w.WriteString("label\tgenes\tn_pred\tn_real\tmean_r2\tvar_r2\tmean_pearson\tvar_pearson")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, e := range evals {
		w.WriteString(e.Label)
		w.WriteInt64(int64(e.Genes))
		w.WriteInt64(int64(e.NPred))
		w.WriteInt64(int64(e.NReal))
		for _, v := range []float64{e.MeanR2, e.VarR2, e.MeanPearson, e.VarPearson} {
			w.WriteFloat64(v, 'g', 6)
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
