package main

import (
	"context"
	"flag"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// RunPredictCommand implements `scotc predict`.
//
// For every cell type in -cell-type it writes
//
//	<out><type>.matrix.tsv   predicted expression
//	<out><type>.obs.tsv      obs of the held-out control cells, condition = pred key
//
// and, with -eval, one evaluation row per type that has real stimulated cells.
// Those cells are never used for matching, so the full dataset can be passed.
func RunPredictCommand(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	modelPath := fs.String("model", "scotc.model", "Trained checkpoint")
	matrixPath := fs.String("matrix", "", "Expression matrix TSV (.gz ok)")
	obsPath := fs.String("obs", "", "Cell annotation TSV")
	cellTypes := fs.String("cell-type", "", "Comma-separated cell types to predict")

	ratio := fs.Float64("ratio", 0, "Fraction of control cells used as neighbours")
	e := fs.Float64("e", 0, "Scale of the mean-shift correction")
	r := fs.Float64("r", 0, "Scale of the extrapolated delta")
	metric := fs.String("metric", "", "OT cost metric: euclidean, sqeuclidean, cityblock")
	solver := fs.String("solver", "", "OT solver: emd or sinkhorn")
	shared := fs.Bool("shared-neighbors", true, "Use the first held-out cell's neighbours for every cell (false: per-cell neighbours)")
	seed := fs.Int64("seed", 0, "Latent sampling seed")
	parallel := fs.Int("parallel", 2, "Cell types predicted concurrently")
	threads := fs.Int("threads", 0, "Worker threads for matrix work (0: one per CPU)")

	out := fs.String("out", "", "Output path prefix")
	evalPath := fs.String("eval", "", "Write an evaluation against real stimulated cells to this TSV")
	latentOut := fs.String("latent-out", "", "Also write <prefix><type>.latent.tsv with the ctrl, stim and held-out latent codes")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *matrixPath == "" || *obsPath == "" {
		return errors.E(errors.Invalid, "-matrix and -obs are required")
	}
	ConfigureThreads(*threads)

	ctx := context.Background()
	cfg, err := LoadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	pc := cfg.Predict
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ratio":
			pc.Ratio = *ratio
		case "e":
			pc.E = *e
		case "r":
			pc.R = *r
		case "metric":
			pc.Metric = *metric
		case "solver":
			pc.Solver = *solver
		case "shared-neighbors":
			pc.SharedNeighbors = *shared
		case "seed":
			pc.Seed = *seed
		}
	})
	types := splitList(*cellTypes)
	if len(types) == 0 && pc.CellType != "" {
		types = []string{pc.CellType}
	}
	if len(types) == 0 {
		return errors.E(errors.Invalid, "-cell-type is required")
	}

	model, err := LoadSCOTC(ctx, *modelPath)
	if err != nil {
		return err
	}
	data, err := ReadCellData(ctx, *matrixPath, *obsPath)
	if err != nil {
		return err
	}

	results, err := PredictMany(ctx, model, data, pc, types, *parallel)
	if err != nil {
		return err
	}

	var evals []*Evaluation
	for i, res := range results {
		name := *out + fileSafe(types[i])
		if err := WriteCellData(ctx, res.Pred, name+".matrix.tsv", name+".obs.tsv"); err != nil {
			return err
		}
		log.Printf("wrote %d predicted %s cells to %s.matrix.tsv", res.Pred.NObs(), types[i], name)

		if *latentOut != "" {
			latents, err := res.Latents()
			if err != nil {
				return err
			}
			lname := *latentOut + fileSafe(types[i])
			if err := WriteCellData(ctx, latents, lname+".latent.tsv", lname+".latent.obs.tsv"); err != nil {
				return err
			}
		}

		if *evalPath == "" {
			continue
		}
		truth, err := StimulatedCells(data, pc.Keys, types[i])
		if errors.Is(errors.NotExist, err) {
			log.Printf("no stimulated %s cells, skipping evaluation", types[i])
			continue
		}
		if err != nil {
			return err
		}
		ev, err := Evaluate(types[i], res.Pred, truth, nil)
		if err != nil {
			return err
		}
		log.Printf("%s", ev)
		evals = append(evals, ev)
	}
	if *evalPath != "" {
		return WriteEvaluations(ctx, *evalPath, evals)
	}
	return nil
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// fileSafe replaces characters that are awkward in file names.
func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
}
