package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spectral-data/specfit/internal/config"
	"github.com/spectral-data/specfit/internal/grid"
	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/plotting"
	"github.com/spectral-data/specfit/internal/results"
	"github.com/spectral-data/specfit/internal/solver"
	"github.com/spectral-data/specfit/internal/spectrum"
)

type stage int

const (
	stageEstimate stage = iota
	stageOptimise
	stageInfer
)

func (s stage) String() string {
	switch s {
	case stageEstimate:
		return "estimated"
	case stageOptimise:
		return "optimised"
	default:
		return "inferred"
	}
}

type runOptions struct {
	outputDir string
	prefix    string
	plots     bool
	seed      int64
}

func handleRun(st stage, args []string) error {
	fs := flag.NewFlagSet(st.String(), flag.ExitOnError)
	outputDir := fs.String("output-dir", ".", "Directory for output files")
	prefix := fs.String("prefix", "", "Filename prefix for output files")
	sourceList := fs.String("source-list", "", "File listing one source's spectra per line")
	plots := fs.Bool("plots", false, "Write diagnostic PNG figures")
	seed := fs.Int64("seed", 0, "Random seed (default: time-based)")
	threads := fs.Int("threads", 0, "Override the configured worker count")
	logFile := fs.String("log-file", "", "Mirror log output to a file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("a model file is required")
	}
	if fs.NArg() < 2 && *sourceList == "" {
		return fmt.Errorf("spectrum files or --source-list are required")
	}

	cleanup, err := setupLogging(*logFile)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := config.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	if *threads > 0 {
		cfg.Settings.Threads = threads
	}
	model, err := grid.Load(&cfg.Model)
	if err != nil {
		return err
	}
	defer model.Close()

	sources, err := resolveSources(fs.Args()[1:], *sourceList)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	opts := runOptions{
		outputDir: *outputDir,
		prefix:    *prefix,
		plots:     *plots,
		seed:      *seed,
	}

	// Each source is isolated: a failure is recorded and logged, and
	// the batch carries on with the remaining sources.
	failures := 0
	for _, files := range sources {
		if err := runSource(st, cfg, model, files, opts); err != nil {
			failures++
			log.Printf("source %s failed: %v", strings.Join(files, " "), err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d sources failed", failures, len(sources))
	}
	return nil
}

// resolveSources returns one spectrum-file list per source. Without a
// source list, the command-line files form a single source.
func resolveSources(files []string, sourceList string) ([][]string, error) {
	if sourceList == "" {
		return [][]string{files}, nil
	}
	f, err := os.Open(sourceList)
	if err != nil {
		return nil, fmt.Errorf("opening source list: %w", err)
	}
	defer f.Close()

	var sources [][]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, strings.Fields(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading source list: %w", err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("source list %s is empty", sourceList)
	}
	return sources, nil
}

// runSource analyses a single source end to end. A panic inside the
// solving stages is converted into an error so batch runs survive a
// pathological source.
func runSource(st stage, cfg *config.Config, model *grid.Model, files []string, opts runOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var data []*spectrum.Spectrum
	for _, file := range files {
		s, err := spectrum.Load(file)
		if err != nil {
			return err
		}
		data = append(data, s)
	}

	prefix := opts.prefix
	if prefix == "" {
		prefix = outputPrefix(files[0])
	}

	slv := solver.New(cfg, model)
	slv.Seed = opts.seed
	record := results.New(cfg.Model.Name, strings.Join(files, " "))

	estimate, err := slv.Estimate(data)
	if err != nil {
		record.SetError(err)
		writeRecord(record, opts.outputDir, prefix, st)
		return err
	}
	record.AddEstimate(estimate)
	best := estimate.Theta

	if st >= stageOptimise {
		optimised, err := slv.Optimise(data, estimate.Theta)
		if err != nil {
			record.SetError(err)
			writeRecord(record, opts.outputDir, prefix, st)
			return err
		}
		record.AddOptimise(optimised)
		best = optimised.Theta
	}

	if st == stageInfer {
		inferred, err := slv.Infer(data, &solver.InitialProposal{Theta: best})
		if err != nil {
			record.SetError(err)
			writeRecord(record, opts.outputDir, prefix, st)
			return err
		}
		record.AddInfer(inferred)
		best = inferred.MAP

		chainPath := filepath.Join(opts.outputDir, prefix+"-chain.bin")
		if err := inferred.Chain.WriteFile(chainPath); err != nil {
			log.Printf("saving chain: %v", err)
		} else {
			log.Printf("wrote %s", chainPath)
		}

		if opts.plots {
			dir := filepath.Join(opts.outputDir, prefix+"-plots")
			if _, err := plotting.Chains(inferred.Chain, inferred.Parameters, inferred.Burn, dir); err != nil {
				log.Printf("chain plots: %v", err)
			}
			if err := plotting.AcceptanceFractions(inferred.Acceptance,
				filepath.Join(dir, "acceptance.png")); err != nil {
				log.Printf("acceptance plot: %v", err)
			}
			if err := plotting.LogProbability(inferred.Chain, inferred.Burn,
				filepath.Join(dir, "lnprob.png")); err != nil {
				log.Printf("log-probability plot: %v", err)
			}
		}
	}

	if opts.plots {
		writeProjection(slv, data, best, opts.outputDir, prefix)
	}

	return writeRecord(record, opts.outputDir, prefix, st)
}

func writeRecord(record results.Result, outputDir, prefix string, st stage) error {
	path := filepath.Join(outputDir, fmt.Sprintf("%s-%s.json", prefix, st))
	if err := record.WriteJSON(path); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}

func writeProjection(slv *solver.Solver, data []*spectrum.Spectrum, theta likelihood.Theta, outputDir, prefix string) {
	matched, fluxes, err := slv.Predict(data, theta)
	if err != nil {
		log.Printf("projection: %v", err)
		return
	}
	dir := filepath.Join(outputDir, prefix+"-plots")
	if _, err := plotting.Projection(matched, fluxes, dir); err != nil {
		log.Printf("projection plots: %v", err)
	}
}

// outputPrefix derives a default prefix from the first spectrum
// filename.
func outputPrefix(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
