package main

import (
	"context"
	"flag"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// RunEvaluateCommand implements `scotc evaluate`: compare a written
// prediction with the real stimulated cells of the same type.
func RunEvaluateCommand(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file (predict.keys)")
	predPath := fs.String("pred", "", "Predicted expression matrix TSV")
	matrixPath := fs.String("matrix", "", "Real expression matrix TSV (.gz ok)")
	obsPath := fs.String("obs", "", "Real cell annotation TSV")
	cellType := fs.String("cell-type", "", "Cell type that was predicted")
	genes := fs.String("genes", "", "Comma-separated genes to compare (default all)")
	out := fs.String("out", "", "Evaluation TSV (default: log only)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *predPath == "" || *matrixPath == "" || *obsPath == "" || *cellType == "" {
		return errors.E(errors.Invalid, "-pred, -matrix, -obs and -cell-type are required")
	}

	ctx := context.Background()
	cfg, err := LoadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	pred, err := ReadCellData(ctx, *predPath, "")
	if err != nil {
		return err
	}
	data, err := ReadCellData(ctx, *matrixPath, *obsPath)
	if err != nil {
		return err
	}
	truth, err := StimulatedCells(data, cfg.Predict.Keys, *cellType)
	if err != nil {
		return err
	}

	ev, err := Evaluate(*cellType, pred, truth, splitList(*genes))
	if err != nil {
		return err
	}
	log.Printf("%s", ev)
	if *out != "" {
		return WriteEvaluations(ctx, *out, []*Evaluation{ev})
	}
	return nil
}
