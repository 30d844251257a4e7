// specfit infers astrophysical parameters from observed spectra by
// comparing them against a precomputed model grid.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spectral-data/specfit/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "estimate":
		err = handleRun(stageEstimate, args)
	case "optimise":
		err = handleRun(stageOptimise, args)
	case "infer":
		err = handleRun(stageInfer, args)
	case "cache":
		err = handleCache(args)
	case "aggregate":
		err = handleAggregate(args)
	case "version":
		fmt.Printf("specfit version %s (%s, built %s)\n",
			version.Version, version.GitSHA, version.BuildTime)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

// setupLogging mirrors log output to a file when one is requested.
func setupLogging(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

func printUsage() {
	fmt.Println(`specfit - spectroscopic parameter inference

Usage: specfit <command> [options] <arguments>

Commands:
  estimate   Compute a point estimate of the model parameters given the data
  optimise   Optimise the model parameters, given the data
  infer      Infer posterior distributions of the model parameters
  cache      Precompute binary grid caches for a model
  aggregate  Combine many result JSON files into one SQLite database
  version    Show specfit version
  help       Show this help message

Run Flags (estimate, optimise, infer):
  <model.yaml> <spectrum files...>
  --output-dir <dir>     Directory for output files (default: .)
  --prefix <name>        Filename prefix (default: first spectrum basename)
  --source-list <file>   Batch mode: each line lists one source's spectra
  --plots                Write diagnostic PNG figures
  --seed <n>             Random seed (default: time-based)
  --threads <n>          Override the configured worker count
  --log-file <path>      Mirror log output to a file

Examples:
  specfit estimate model.yaml blue.txt red.txt
  specfit infer --plots --seed 42 model.yaml star.json
  specfit infer --source-list sources.txt model.yaml
  specfit cache --points points.cache --fluxes fluxes.cache model.yaml
  specfit aggregate results.db run-*/inferred.json`)
}
