// Package main provides a one-shot CLI entrypoint for the stale-job
// recovery sweep and the retention janitor, intended to run from a cron
// schedule alongside the long-running HTTP server in cmd/server. It also
// supports an optional YAML config overlay for local/dev runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/davidarakelyan/stt-pipeline/internal/bootstrap"
	"github.com/davidarakelyan/stt-pipeline/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "optional YAML config overlay path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *configFile != "" {
		if err := config.LoadFile(cfg, *configFile); err != nil {
			return fmt.Errorf("load config overlay: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	logger.Info("running recovery and janitor sweep", slog.String("config", cfg.String()))

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	ctx := context.Background()

	recovered, err := deps.Recoverer.FailStaleJobs(ctx, cfg.Retention.StaleMinutes)
	if err != nil {
		return fmt.Errorf("stale job sweep: %w", err)
	}
	logger.Info("stale job sweep complete", slog.Int("recovered", recovered))

	deleted, err := deps.Janitor.Sweep(ctx, cfg.Retention.JobRetentionDays)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	logger.Info("retention sweep complete", slog.Int("deleted", deleted))

	return nil
}
