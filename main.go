package main

import (
	"flag"
	"fmt"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	var err error
	switch cmd := args[0]; cmd {
	case "train":
		err = RunTrainCommand(args[1:])
	case "predict":
		err = RunPredictCommand(args[1:])
	case "latent":
		err = RunLatentCommand(args[1:])
	case "evaluate":
		err = RunEvaluateCommand(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		log.Fatalf("unknown command: %s", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  scotc [global flags] command [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train       Train the VAE on an expression matrix")
	fmt.Println("  predict     Predict stimulated expression for held-out cell types")
	fmt.Println("  latent      Write latent codes and an optional 2D embedding")
	fmt.Println("  evaluate    Compare predicted and real stimulated cells")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Every command accepts -config=file.yaml; explicit flags override it.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  scotc train -matrix=pbmc.tsv.gz -obs=pbmc_obs.tsv -held-out=CD4T -model=scotc.model")
	fmt.Println("  scotc predict -model=scotc.model -matrix=pbmc.tsv.gz -obs=pbmc_obs.tsv -cell-type=CD4T -out=pred/")
	fmt.Println("  scotc latent -model=scotc.model -matrix=pbmc.tsv.gz -obs=pbmc_obs.tsv -embed=tsne -embed-out=tsne.tsv")
	fmt.Println("  scotc evaluate -pred=pred/CD4T.matrix.tsv -matrix=pbmc.tsv.gz -obs=pbmc_obs.tsv -cell-type=CD4T")
	fmt.Println()
}
