package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pagesieve/internal/config"
	"pagesieve/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "", "Path to optional YAML configuration file")
	envPath := flag.String("env", ".env", "Path to optional .env file")
	flag.Parse()
	// Positional arguments are reserved for future filtering and ignored.

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := crawler.BuildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	engine, err := crawler.New(*cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crawl aborted: %v\n", err)
		os.Exit(1)
	}
}
