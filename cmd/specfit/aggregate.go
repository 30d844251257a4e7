package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/spectral-data/specfit/internal/results"
)

func handleAggregate(args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ExitOnError)
	logFile := fs.String("log-file", "", "Mirror log output to a file")
	fs.Parse(args)

	if fs.NArg() < 2 {
		return fmt.Errorf("usage: aggregate <output.db> <result.json...>")
	}

	cleanup, err := setupLogging(*logFile)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := results.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer store.Close()

	inserted := 0
	for _, path := range fs.Args()[1:] {
		record, err := results.ReadJSON(path)
		if err != nil {
			log.Printf("skipping %s: %v", path, err)
			continue
		}
		if err := store.Insert(record); err != nil {
			log.Printf("skipping %s: %v", path, err)
			continue
		}
		inserted++
	}

	total, err := store.Count()
	if err != nil {
		return err
	}
	log.Printf("aggregated %d result files (%d rows total) into %s",
		inserted, total, fs.Arg(0))
	return nil
}
