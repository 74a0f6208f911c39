// Package sampler drives repeated executions of one query spec against
// one fetcher, optionally perturbing pagination parameters between
// repetitions.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"requery/internal/assemble"
	"requery/internal/fetch"
	"requery/internal/query"
)

// Config controls one sampling campaign.
type Config struct {
	// Repetitions is the number of executions per spec. Must be >= 1.
	Repetitions int `toml:"repetitions"`

	// PerCallTimeout bounds every page round trip.
	PerCallTimeout time.Duration `toml:"per_call_timeout"`

	// PageSizeVariants, when non-empty, cycles the page size across
	// repetitions to probe whether fragmentation changes results.
	PageSizeVariants []int `toml:"page_size_variants"`

	// InitialOffsets, when non-empty, cycles a boundary-shifting
	// initial offset across repetitions. Only usable against sources
	// that can serve a truncated first page.
	InitialOffsets []int `toml:"initial_offsets"`

	// Concurrent runs repetitions in parallel instead of the default
	// strict sequence. Sequential is the default so that load-induced
	// flakiness is not confounded with genuine source non-determinism;
	// concurrent sampling is a separate, explicitly labeled experiment.
	Concurrent bool `toml:"concurrent_repetitions"`
}

// DefaultConfig returns the default sampling parameters.
func DefaultConfig() Config {
	return Config{
		Repetitions:    5,
		PerCallTimeout: 30 * time.Second,
	}
}

// Validate rejects unusable campaign parameters before any run starts.
func (c Config) Validate() error {
	if c.Repetitions < 1 {
		return query.Configf("repetitions must be >= 1, got %d", c.Repetitions)
	}
	for _, v := range c.PageSizeVariants {
		if v <= 0 {
			return query.Configf("page size variant must be positive, got %d", v)
		}
	}
	for _, o := range c.InitialOffsets {
		if o < 0 {
			return query.Configf("initial offset must be >= 0, got %d", o)
		}
	}
	return nil
}

// Sampler executes specs repeatedly against one fetcher.
type Sampler struct {
	cfg       Config
	fetcher   fetch.Fetcher
	assembler *assemble.Assembler
	logger    *slog.Logger
}

// New builds a sampler. The config is validated here so a bad campaign
// is rejected before anything touches a source.
func New(cfg Config, fetcher fetch.Fetcher, assembler *assemble.Assembler, logger *slog.Logger) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, query.Configf("sampler requires a fetcher")
	}
	if assembler == nil {
		assembler = assemble.New(0, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{cfg: cfg, fetcher: fetcher, assembler: assembler, logger: logger}, nil
}

// Sample runs the spec Repetitions times and returns one FetchRun per
// repetition, in repetition order. A repetition that cannot complete
// yields an inconclusive or fatal run; it never aborts the others. When
// the context ends early the remaining repetitions are returned as
// inconclusive placeholders so the report generator sees every
// repetition it asked for.
func (s *Sampler) Sample(ctx context.Context, spec *query.QuerySpec) []*assemble.FetchRun {
	runs := make([]*assemble.FetchRun, s.cfg.Repetitions)

	if s.cfg.Concurrent {
		var wg sync.WaitGroup
		for rep := 0; rep < s.cfg.Repetitions; rep++ {
			wg.Add(1)
			go func(rep int) {
				defer wg.Done()
				runs[rep] = s.sampleOnce(ctx, spec, rep)
			}(rep)
		}
		wg.Wait()
		return runs
	}

	for rep := 0; rep < s.cfg.Repetitions; rep++ {
		if ctx.Err() != nil {
			runs[rep] = s.skippedRun(spec, rep, ctx.Err())
			continue
		}
		runs[rep] = s.sampleOnce(ctx, spec, rep)
	}
	return runs
}

// sampleOnce executes a single repetition.
func (s *Sampler) sampleOnce(ctx context.Context, spec *query.QuerySpec, rep int) *assemble.FetchRun {
	opts := s.options(rep)

	s.logger.Debug("starting repetition",
		"spec", spec.String(),
		"source", s.fetcher.Source(),
		"repetition", rep,
		"page_size", opts.PageSize,
		"initial_offset", opts.InitialOffset)

	stream, err := s.fetcher.Fetch(ctx, spec, opts)
	if err != nil {
		return s.skippedRun(spec, rep, err)
	}

	run := s.assembler.Run(ctx, stream, spec, s.fetcher.Source())
	s.logger.Info("repetition finished",
		"spec", spec.String(),
		"source", run.Source,
		"repetition", rep,
		"status", string(run.Status),
		"identities", len(run.Identities),
		"duplicates", run.DuplicateCount(),
		"pages", run.Pages)
	return run
}

// options derives the pagination perturbation for one repetition. The
// first repetition always runs unperturbed so there is a baseline.
func (s *Sampler) options(rep int) fetch.Options {
	opts := fetch.Options{CallTimeout: s.cfg.PerCallTimeout}
	if rep == 0 {
		return opts
	}
	if n := len(s.cfg.PageSizeVariants); n > 0 {
		opts.PageSize = s.cfg.PageSizeVariants[(rep-1)%n]
	}
	if n := len(s.cfg.InitialOffsets); n > 0 {
		opts.InitialOffset = s.cfg.InitialOffsets[(rep-1)%n]
	}
	return opts
}

// skippedRun builds the inconclusive placeholder for a repetition that
// never produced pages.
func (s *Sampler) skippedRun(spec *query.QuerySpec, rep int, cause error) *assemble.FetchRun {
	now := time.Now().UTC()
	status := assemble.StatusInconclusive
	if isFatalSetup(cause) {
		status = assemble.StatusFatal
	}
	return &assemble.FetchRun{
		RunID:           uuid.NewString(),
		SpecFingerprint: spec.Fingerprint(),
		Source:          s.fetcher.Source(),
		StartedAt:       now,
		FinishedAt:      now,
		Status:          status,
		Error:           fmt.Sprintf("repetition %d skipped: %v", rep, cause),
	}
}

func isFatalSetup(err error) bool {
	return err != nil && (errors.Is(err, query.ErrConfig) ||
		errors.Is(err, query.ErrFatalSource) ||
		errors.Is(err, query.ErrProtocol))
}
