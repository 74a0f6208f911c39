// Package fetch provides the paginated-read abstraction over a data
// source. Two implementations exist: an HTTP fetcher for the query
// endpoint under audit and a direct-query fetcher used as the reference
// oracle.
package fetch

import (
	"context"
	"time"

	"requery/internal/query"
)

// Fetcher produces a lazy, finite sequence of pages for one data source.
// Implementations must be safe for concurrent use by multiple in-flight
// specs; each PageStream belongs to a single caller.
type Fetcher interface {
	// Fetch starts one execution of the spec. Pages are produced
	// lazily; each Next call is one round trip against the source.
	Fetch(ctx context.Context, spec *query.QuerySpec, opts Options) (PageStream, error)

	// Source identifies the data source in runs and reports.
	Source() string
}

// PageStream yields pages until one reports Final or an error ends the
// run. Next never returns a page together with an error.
type PageStream interface {
	Next(ctx context.Context) (*query.Page, error)
}

// Options carries per-repetition perturbations of the spec's pagination
// parameters. The zero value leaves the spec untouched.
type Options struct {
	// PageSize overrides the spec's page size when positive.
	PageSize int

	// InitialOffset shifts every page boundary by truncating the first
	// page to InitialOffset modulo the page size. The full record set
	// is still fetched. Only sources that can serve a partial first
	// page support it.
	InitialOffset int

	// CallTimeout bounds each page round trip. Zero means no per-call
	// bound beyond the stream's context.
	CallTimeout time.Duration
}

// pageSize resolves the effective page size for a stream.
func (o Options) pageSize(spec *query.QuerySpec) int {
	if o.PageSize > 0 {
		return o.PageSize
	}
	return spec.PageSize()
}

// callCtx applies the per-call timeout, if any.
func (o Options) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.CallTimeout > 0 {
		return context.WithTimeout(ctx, o.CallTimeout)
	}
	return context.WithCancel(ctx)
}
