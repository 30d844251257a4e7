package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/spectral-data/specfit/internal/config"
	"github.com/spectral-data/specfit/internal/grid"
)

func handleCache(args []string) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	points := fs.String("points", "points.cache", "Output path for the grid points cache")
	fluxes := fs.String("fluxes", "fluxes.cache", "Output path for the flux cache")
	logFile := fs.String("log-file", "", "Mirror log output to a file")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one model file is required")
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
	model, err := grid.Load(&cfg.Model)
	if err != nil {
		return err
	}
	defer model.Close()

	if err := model.BuildCache(*points, *fluxes); err != nil {
		return err
	}
	log.Printf("wrote %s and %s", *points, *fluxes)
	return nil
}
