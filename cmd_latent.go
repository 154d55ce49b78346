package main

import (
	"context"
	"flag"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// RunLatentCommand implements `scotc latent`: encode every cell, write the
// latent matrix and optionally a 2D PCA or t-SNE projection of it.
func RunLatentCommand(args []string) error {
	fs := flag.NewFlagSet("latent", flag.ExitOnError)
	modelPath := fs.String("model", "scotc.model", "Trained checkpoint")
	matrixPath := fs.String("matrix", "", "Expression matrix TSV (.gz ok)")
	obsPath := fs.String("obs", "", "Cell annotation TSV")
	out := fs.String("out", "", "Latent matrix TSV (obs goes to <out>.obs.tsv)")
	method := fs.String("embed", "", "2D projection: pca or tsne (empty for none)")
	embedOut := fs.String("embed-out", "embedding.tsv", "Output of the 2D projection")
	seed := fs.Int64("seed", 1, "Latent sampling and projection seed")
	threads := fs.Int("threads", 0, "Worker threads for matrix work (0: one per CPU)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	ConfigureThreads(*threads)
	if *matrixPath == "" {
		return errors.E(errors.Invalid, "-matrix is required")
	}
	if *out == "" && *method == "" {
		return errors.E(errors.Invalid, "nothing to do: set -out and/or -embed")
	}

	ctx := context.Background()
	model, err := LoadSCOTC(ctx, *modelPath)
	if err != nil {
		return err
	}
	data, err := ReadCellData(ctx, *matrixPath, *obsPath)
	if err != nil {
		return err
	}
	latent, err := model.Latent(data, rand.New(rand.NewSource(*seed)))
	if err != nil {
		return err
	}

	if *out != "" {
		if err := WriteCellData(ctx, latent, *out, *out+".obs.tsv"); err != nil {
			return err
		}
		log.Printf("wrote %d x %d latent codes to %s", latent.NObs(), latent.NVars(), *out)
	}
	if *method != "" {
		if err := Embed(ctx, latent, *method, *seed, *embedOut); err != nil {
			return err
		}
		log.Printf("wrote %s projection to %s", *method, *embedOut)
	}
	return nil
}
