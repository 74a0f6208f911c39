// Package testutil provides the shared test doubles: a quiet logger and
// a scripted fetcher whose pages and failures are declared up front.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"requery/internal/fetch"
	"requery/internal/query"
)

// NewTestLogger creates a logger for testing. Errors only, to reduce
// noise in test output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// ScriptedPage is one step of a scripted run: either a page or an error.
type ScriptedPage struct {
	Page *query.Page
	Err  error
}

// PagesOf builds a trivially paged script from identity groups, marking
// the last page final.
func PagesOf(groups ...[]string) []ScriptedPage {
	script := make([]ScriptedPage, 0, len(groups))
	for i, group := range groups {
		page := &query.Page{Final: i == len(groups)-1}
		for _, id := range group {
			page.Identities = append(page.Identities, query.RecordIdentity(id))
		}
		script = append(script, ScriptedPage{Page: page})
	}
	return script
}

// ScriptedFetcher replays pre-declared run scripts, one per Fetch call,
// in order. The last script repeats once the list is exhausted. Safe
// for concurrent use.
type ScriptedFetcher struct {
	SourceName string

	mu      sync.Mutex
	runs    [][]ScriptedPage
	nextRun int

	// FetchErr, when set, fails every Fetch call outright.
	FetchErr error

	// SeenOptions records the options of each Fetch call in order.
	SeenOptions []fetch.Options
}

// NewScriptedFetcher builds a fetcher that serves the given run scripts.
func NewScriptedFetcher(source string, runs ...[]ScriptedPage) *ScriptedFetcher {
	return &ScriptedFetcher{SourceName: source, runs: runs}
}

// Source implements fetch.Fetcher.
func (f *ScriptedFetcher) Source() string { return f.SourceName }

// Fetch implements fetch.Fetcher.
func (f *ScriptedFetcher) Fetch(ctx context.Context, spec *query.QuerySpec, opts fetch.Options) (fetch.PageStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SeenOptions = append(f.SeenOptions, opts)
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	if len(f.runs) == 0 {
		return &scriptedStream{}, nil
	}

	idx := f.nextRun
	if idx >= len(f.runs) {
		idx = len(f.runs) - 1
	}
	f.nextRun++
	return &scriptedStream{script: f.runs[idx]}, nil
}

// Fetches reports how many runs were started.
func (f *ScriptedFetcher) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SeenOptions)
}

type scriptedStream struct {
	script []ScriptedPage
	pos    int
}

func (s *scriptedStream) Next(ctx context.Context) (*query.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, query.Transientf("scripted", err, "cancelled")
	}
	if s.pos >= len(s.script) {
		return &query.Page{Final: true}, nil
	}
	step := s.script[s.pos]
	s.pos++
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Page, nil
}
