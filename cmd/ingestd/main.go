package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/procurement-crawler/internal/config"
	"github.com/JakeFAU/procurement-crawler/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Run a single ingestion cycle, print the report and exit")
	backfill := flag.Bool("backfill", false, "With -once, run an enrichment backfill after the cycle")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}

	if *once {
		report, runErr := app.RunOnce(ctx, *backfill)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode report failed: %v\n", err)
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "cycle failed: %v\n", runErr)
			os.Exit(1)
		}
		return
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
		os.Exit(1)
	}
}
