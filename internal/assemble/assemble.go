// Package assemble turns a fetcher's page stream into a complete,
// annotated record set.
package assemble

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"requery/internal/fetch"
	"requery/internal/query"
)

// Status is the terminal state of a fetch run.
type Status string

const (
	// StatusComplete means every page arrived and the sequence
	// terminated normally.
	StatusComplete Status = "complete"
	// StatusInconclusive means infrastructure trouble (exhausted
	// retries, cancellation, budget) stopped the run partway. The run
	// must never be compared as if complete.
	StatusInconclusive Status = "inconclusive"
	// StatusFatal means the source misbehaved (unparseable page,
	// non-terminating pagination, auth rejection).
	StatusFatal Status = "fatal"
)

// DuplicateOccurrence records one repeated identity inside a single run:
// the identity and the zero-based position at which it repeated.
type DuplicateOccurrence struct {
	Identity query.RecordIdentity `json:"identity"`
	Position int                  `json:"position"`
}

// FetchRun is one complete execution of a spec against one source.
// Immutable once assembly finishes.
type FetchRun struct {
	RunID           string                 `json:"run_id"`
	SpecFingerprint string                 `json:"spec_fingerprint"`
	Source          string                 `json:"source"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	Identities      []query.RecordIdentity `json:"identities"`
	Duplicates      []DuplicateOccurrence  `json:"duplicates,omitempty"`
	Pages           int                    `json:"pages"`

	// TotalHint is the source's declared total count, when one was
	// reported, and HintMismatch flags a disagreement with the
	// assembled size. Evidence, not a failure.
	TotalHint    *int64 `json:"total_hint,omitempty"`
	HintMismatch bool   `json:"hint_mismatch"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Complete reports whether the run may serve as comparison evidence.
func (r *FetchRun) Complete() bool { return r.Status == StatusComplete }

// DuplicateCount returns the number of positions at which an identity
// repeats within the run.
func (r *FetchRun) DuplicateCount() int { return len(r.Duplicates) }

// Assembler consumes page streams and produces fetch runs. Pure
// in-memory work between page round trips; a page boundary is the only
// suspension point.
type Assembler struct {
	// PageCap bounds the number of pages consumed from one stream.
	// Exceeding it is a protocol error, never an infinite loop.
	PageCap int

	Logger *slog.Logger
}

// DefaultPageCap is generous for any healthy source but finite.
const DefaultPageCap = 1000

// New returns an assembler with the given page cap (0 means the
// default).
func New(pageCap int, logger *slog.Logger) *Assembler {
	if pageCap <= 0 {
		pageCap = DefaultPageCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{PageCap: pageCap, Logger: logger}
}

// Run drains the stream into a FetchRun. The returned run always has a
// terminal status; assembly errors are folded into the run rather than
// escaping, so a bad run never aborts sibling work.
func (a *Assembler) Run(ctx context.Context, stream fetch.PageStream, spec *query.QuerySpec, source string) *FetchRun {
	run := &FetchRun{
		RunID:           uuid.NewString(),
		SpecFingerprint: spec.Fingerprint(),
		Source:          source,
		StartedAt:       time.Now().UTC(),
	}
	seen := make(map[query.RecordIdentity]struct{})

	for {
		if run.Pages >= a.PageCap {
			a.finish(run, query.Protocolf(source, "pagination did not terminate within %d pages", a.PageCap))
			return run
		}

		page, err := stream.Next(ctx)
		if err != nil {
			a.finish(run, err)
			return run
		}
		run.Pages++

		for _, id := range page.Identities {
			if _, dup := seen[id]; dup {
				run.Duplicates = append(run.Duplicates, DuplicateOccurrence{
					Identity: id,
					Position: len(run.Identities),
				})
			} else {
				seen[id] = struct{}{}
			}
			// Arrival order is preserved across pages, duplicates
			// included; order comparison depends on it.
			run.Identities = append(run.Identities, id)
		}
		if page.TotalHint != nil {
			run.TotalHint = page.TotalHint
		}

		if page.Final {
			a.finish(run, nil)
			return run
		}
	}
}

// finish stamps the terminal status and classifies the ending error.
func (a *Assembler) finish(run *FetchRun, err error) {
	run.FinishedAt = time.Now().UTC()

	if err == nil {
		run.Status = StatusComplete
		if run.TotalHint != nil && *run.TotalHint != int64(uniqueCount(run)) {
			run.HintMismatch = true
			a.Logger.Warn("declared count disagrees with assembled size",
				"source", run.Source,
				"declared", *run.TotalHint,
				"assembled", uniqueCount(run))
		}
		return
	}

	run.Error = err.Error()
	switch {
	case errors.Is(err, query.ErrProtocol), errors.Is(err, query.ErrFatalSource):
		run.Status = StatusFatal
	default:
		// Transient exhaustion, cancellation, spent budgets: the run
		// is not evidence of anything except infrastructure trouble.
		run.Status = StatusInconclusive
	}

	a.Logger.Warn("fetch run did not complete",
		"source", run.Source,
		"status", string(run.Status),
		"pages", run.Pages,
		"error", err)
}

// uniqueCount counts distinct identities in the run.
func uniqueCount(run *FetchRun) int {
	return len(run.Identities) - len(run.Duplicates)
}
