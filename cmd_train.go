package main

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// data (matrix + obs) → optional hold-out → VAE training → checkpoint
//
// The usual benchmark holds out the stimulated cells of one cell type: the
// model never sees them, and `scotc predict` later reconstructs them from the
// type's control cells. -held-out does that filtering.
//
// Precedence for every setting: defaults < -config YAML < explicit flags.
// ===========================================================================

import (
	"context"
	"flag"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// RunTrainCommand implements `scotc train`.
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")

	// Data
	matrixPath := fs.String("matrix", "", "Expression matrix TSV (cells x genes, .gz ok)")
	obsPath := fs.String("obs", "", "Cell annotation TSV")
	heldOut := fs.String("held-out", "", "Cell type whose stimulated cells are excluded from training")

	// Model
	latentDim := fs.Int("latent", 0, "Latent dimension")
	hiddenDim := fs.Int("hidden", 0, "Hidden layer width")
	numHeads := fs.Int("heads", 0, "Attention heads over the latent code (0 disables)")
	noiseRate := fs.Float64("noise", 0, "Std of the denoising input noise")
	klWeight := fs.Float64("kl-weight", 0, "KL term weight")
	cycleWeight := fs.Float64("cycle-weight", 0, "Cycle-consistency weight")
	seed := fs.Int64("seed", 0, "Random seed for initialisation, noise and batch order")

	// Training
	epochs := fs.Int("epochs", 0, "Number of training epochs")
	batchSize := fs.Int("batch", 0, "Batch size")
	lr := fs.Float64("lr", 0, "Learning rate")
	gamma := fs.Float64("lr-gamma", 0, "Per-epoch learning rate decay")

	// Outputs
	modelPath := fs.String("model", "scotc.model", "Output checkpoint")
	metricsPath := fs.String("metrics", "", "Per-epoch loss TSV")
	reportPath := fs.String("report", "", "HTML page with loss curves")
	threads := fs.Int("threads", 0, "Worker threads for matrix work (0: one per CPU)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	ConfigureThreads(*threads)
	if *matrixPath == "" {
		return errors.E(errors.Invalid, "-matrix is required")
	}

	ctx := context.Background()
	cfg, err := LoadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "latent":
			cfg.Model.LatentDim = *latentDim
		case "hidden":
			cfg.Model.HiddenDim = *hiddenDim
		case "heads":
			cfg.Model.NumHeads = *numHeads
		case "noise":
			cfg.Model.NoiseRate = *noiseRate
		case "kl-weight":
			cfg.Model.KLWeight = *klWeight
		case "cycle-weight":
			cfg.Model.CycleWeight = *cycleWeight
		case "seed":
			cfg.Model.Seed = *seed
			cfg.Training.Seed = *seed
		case "epochs":
			cfg.Training.Epochs = *epochs
		case "batch":
			cfg.Training.BatchSize = *batchSize
		case "lr":
			cfg.Training.LearningRate = *lr
		case "lr-gamma":
			cfg.Training.LRStepGamma = *gamma
		}
	})

	data, err := ReadCellData(ctx, *matrixPath, *obsPath)
	if err != nil {
		return err
	}
	log.Printf("loaded %d cells x %d genes from %s", data.NObs(), data.NVars(), *matrixPath)
	if *heldOut != "" {
		if data, err = ExcludeStimulated(data, cfg.Predict.Keys, *heldOut); err != nil {
			return err
		}
		log.Printf("held out stimulated %s: %d cells remain", *heldOut, data.NObs())
	}

	cfg.Model.InputDim = data.NVars()
	model, err := NewSCOTC(cfg.Model)
	if err != nil {
		return err
	}
	res, err := Train(ctx, model, data, cfg.Training)
	if err != nil {
		return err
	}

	if err := model.Save(ctx, *modelPath); err != nil {
		return err
	}
	log.Printf("saved model to %s", *modelPath)
	if *metricsPath != "" {
		if err := res.Metrics.WriteTSV(ctx, *metricsPath); err != nil {
			return err
		}
	}
	if *reportPath != "" {
		if err := res.Metrics.SaveHTML(ctx, *reportPath); err != nil {
			return err
		}
	}
	return nil
}
