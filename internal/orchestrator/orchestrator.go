// Package orchestrator schedules query specs across fetchers under a
// concurrency and time budget, isolating partial failures per spec.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"requery/internal/assemble"
	"requery/internal/fetch"
	"requery/internal/query"
	"requery/internal/report"
	"requery/internal/sampler"
)

// Config controls the worker pool and per-spec budgets.
type Config struct {
	// MaxParallel bounds how many specs run at once.
	MaxParallel int `toml:"max_parallel"`

	// SpecBudget bounds one spec's whole campaign. Exceeding it
	// cancels that spec's remaining repetitions only; sibling specs
	// keep running.
	SpecBudget time.Duration `toml:"spec_budget"`

	// ResultTimeout bounds delivery of a finished spec's verdict into
	// the results inbox.
	ResultTimeout time.Duration `toml:"result_timeout"`
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:   4,
		SpecBudget:    10 * time.Minute,
		ResultTimeout: 5 * time.Second,
	}
}

// Validate rejects an unusable pool configuration.
func (c Config) Validate() error {
	if c.MaxParallel < 1 {
		return query.Configf("max_parallel must be >= 1, got %d", c.MaxParallel)
	}
	if c.SpecBudget < 0 {
		return query.Configf("spec_budget must not be negative")
	}
	return nil
}

// ArtifactWriter persists verdicts. Implemented by the store package.
type ArtifactWriter interface {
	SaveVerdict(v *report.StabilityVerdict) error
}

// Summary aggregates the batch outcome.
type Summary struct {
	Specs            int
	Deterministic    int
	NonDeterministic int
	Inconclusive     int
}

// FoundDefect reports whether any spec produced actionable evidence.
func (s Summary) FoundDefect() bool { return s.NonDeterministic > 0 }

// Orchestrator drives independent spec jobs through a bounded worker
// pool. Each job owns its own sequential repetition loop; the only
// shared resources are the pool itself and the fetchers' connection
// pools.
type Orchestrator struct {
	cfg        Config
	samplerCfg sampler.Config
	candidate  fetch.Fetcher
	reference  fetch.Fetcher // nil when no oracle is configured
	assembler  *assemble.Assembler
	generator  *report.Generator
	artifacts  ArtifactWriter // nil disables persistence
	logger     *slog.Logger
}

// New validates configuration and builds an orchestrator. The reference
// fetcher and artifact writer are optional; the candidate fetcher is not.
func New(cfg Config, samplerCfg sampler.Config, candidate, reference fetch.Fetcher, assembler *assemble.Assembler, generator *report.Generator, artifacts ArtifactWriter, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := samplerCfg.Validate(); err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, query.Configf("orchestrator requires a candidate fetcher")
	}
	if assembler == nil {
		assembler = assemble.New(0, logger)
	}
	if generator == nil {
		generator = &report.Generator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		samplerCfg: samplerCfg,
		candidate:  candidate,
		reference:  reference,
		assembler:  assembler,
		generator:  generator,
		artifacts:  artifacts,
		logger:     logger,
	}, nil
}

type specResult struct {
	index   int
	verdict *report.StabilityVerdict
}

// Run executes every spec and returns one verdict per spec, in input
// order, plus the batch summary. Errors inside one spec degrade that
// spec's verdict; they never abort the batch.
func (o *Orchestrator) Run(ctx context.Context, specs []*query.QuerySpec) ([]*report.StabilityVerdict, Summary, error) {
	if len(specs) == 0 {
		return nil, Summary{}, query.Configf("no query specs to run")
	}

	jobs := make(chan int)
	results := NewInbox[specResult](len(specs), o.cfg.ResultTimeout, o.logger)

	workers := o.cfg.MaxParallel
	if workers > len(specs) {
		workers = len(specs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for idx := range jobs {
				verdict := o.runSpec(ctx, specs[idx])
				results.Send(specResult{index: idx, verdict: verdict})
			}
		}(w)
	}

	for idx := range specs {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	results.Close()

	verdicts := make([]*report.StabilityVerdict, len(specs))
	for i := 0; i < len(specs); i++ {
		res := results.Receive()
		verdicts[res.index] = res.verdict
	}

	var summary Summary
	summary.Specs = len(specs)
	for _, v := range verdicts {
		switch v.Verdict {
		case report.VerdictDeterministic:
			summary.Deterministic++
		case report.VerdictNonDeterministic:
			summary.NonDeterministic++
		default:
			summary.Inconclusive++
		}
	}

	o.logger.Info("batch finished",
		"specs", summary.Specs,
		"deterministic", summary.Deterministic,
		"non_deterministic", summary.NonDeterministic,
		"inconclusive", summary.Inconclusive)
	return verdicts, summary, nil
}

// runSpec executes one spec's whole campaign: optional reference run,
// N candidate repetitions, verdict, artifact write. A panic inside one
// spec is contained here.
func (o *Orchestrator) runSpec(ctx context.Context, spec *query.QuerySpec) (verdict *report.StabilityVerdict) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("spec job panic recovered",
				"spec", spec.String(),
				"panic", r)
			verdict = report.BrokenVerdict(spec, fmt.Errorf("panic: %v", r))
		}
	}()

	specCtx := ctx
	if o.cfg.SpecBudget > 0 {
		var cancel context.CancelFunc
		specCtx, cancel = context.WithTimeout(ctx, o.cfg.SpecBudget)
		defer cancel()
	}

	o.logger.Info("starting spec",
		"spec", spec.String(),
		"fingerprint", spec.Fingerprint(),
		"repetitions", o.samplerCfg.Repetitions)

	var refRun *assemble.FetchRun
	if o.reference != nil {
		refRun = o.referenceRun(specCtx, spec)
	}

	smp, err := sampler.New(o.samplerCfg, o.candidate, o.assembler, o.logger)
	if err != nil {
		return report.BrokenVerdict(spec, err)
	}
	candRuns := smp.Sample(specCtx, spec)

	verdict = o.generator.Build(spec, candRuns, refRun)

	if o.artifacts != nil {
		if err := o.artifacts.SaveVerdict(verdict); err != nil {
			// The verdict still stands; only its durability suffered.
			o.logger.Error("failed to persist verdict",
				"spec", spec.String(),
				"verdict_id", verdict.VerdictID,
				"error", err)
		}
	}

	o.logger.Info("spec finished",
		"spec", spec.String(),
		"verdict", string(verdict.Verdict),
		"reports", len(verdict.Reports))
	return verdict
}

// referenceRun executes the oracle once. The oracle orders by unique
// key, so a single complete run is ground truth.
func (o *Orchestrator) referenceRun(ctx context.Context, spec *query.QuerySpec) *assemble.FetchRun {
	opts := fetch.Options{CallTimeout: o.samplerCfg.PerCallTimeout}
	stream, err := o.reference.Fetch(ctx, spec, opts)
	if err != nil {
		now := time.Now().UTC()
		return &assemble.FetchRun{
			RunID:           uuid.NewString(),
			SpecFingerprint: spec.Fingerprint(),
			Source:          o.reference.Source(),
			StartedAt:       now,
			FinishedAt:      now,
			Status:          assemble.StatusFatal,
			Error:           err.Error(),
		}
	}
	return o.assembler.Run(ctx, stream, spec, o.reference.Source())
}
