package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"requery/internal/assemble"
	"requery/internal/config"
	"requery/internal/fetch"
	"requery/internal/orchestrator"
	"requery/internal/report"
	"requery/internal/store"
)

// errNonDeterministic signals that at least one spec produced evidence
// of the defect; the process exits non-zero without an error message.
var errNonDeterministic = errors.New("at least one spec is non-deterministic")

func newRunCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured query spec and report a stability verdict per spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to configuration file (TOML)")
	return cmd
}

func runAudit(cmd *cobra.Command, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting requery audit",
		"config_file", configFile,
		"specs", len(cfg.Specs),
		"candidate_source", cfg.Run.CandidateSource,
		"oracle", cfg.OracleEnabled())

	specs, err := cfg.BuildSpecs()
	if err != nil {
		return err
	}

	artifacts, err := store.OpenWithConfig(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening artifact store: %w", err)
	}
	defer artifacts.Close()

	candidate, reference, cleanup, err := buildFetchers(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	assembler := assemble.New(cfg.Run.PageCap, logger)
	generator := &report.Generator{OrderThreshold: cfg.Run.OrderThreshold}

	orch, err := orchestrator.New(cfg.Orchestrator, cfg.Sampler,
		candidate, reference, assembler, generator, artifacts, logger)
	if err != nil {
		return err
	}

	verdicts, summary, err := orch.Run(cmd.Context(), specs)
	if err != nil {
		return err
	}

	for _, v := range verdicts {
		fmt.Fprintln(cmd.OutOrStdout(), v.Summary())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d specs: %d deterministic, %d non-deterministic, %d inconclusive\n",
		summary.Specs, summary.Deterministic, summary.NonDeterministic, summary.Inconclusive)

	if summary.FoundDefect() {
		return errNonDeterministic
	}
	return nil
}

// buildFetchers wires the candidate and optional reference fetchers
// from config. The cleanup func closes whatever was opened.
func buildFetchers(cfg *config.Config, logger *slog.Logger) (candidate, reference fetch.Fetcher, cleanup func(), err error) {
	cleanup = func() {}

	if cfg.Run.CandidateSource == fetch.SourceDirect {
		direct, err := fetch.NewDirectFetcher(cfg.Database, logger)
		if err != nil {
			return nil, nil, cleanup, err
		}
		// Oracle-only flakiness probe: repetitions of the direct
		// source compared against each other, no cross-source pair.
		return direct, nil, func() { direct.Close() }, nil
	}

	api, err := fetch.NewAPIFetcher(cfg.API, nil, logger)
	if err != nil {
		return nil, nil, cleanup, err
	}
	if !cfg.OracleEnabled() {
		return api, nil, cleanup, nil
	}

	direct, err := fetch.NewDirectFetcher(cfg.Database, logger)
	if err != nil {
		return nil, nil, cleanup, err
	}
	return api, direct, func() { direct.Close() }, nil
}

// newLogger builds the process logger from config, JSON by default.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
