package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"requery/internal/query"
)

// SourceAPI identifies runs produced by the HTTP fetcher.
const SourceAPI = "api"

// APIConfig holds the settings for the paginated query endpoint.
type APIConfig struct {
	// BaseURL is the API root, e.g. "https://example.org/nuxeo/api/v1".
	BaseURL string `toml:"base_url"`

	// QueryLanguage names the query language segment of the search
	// endpoint path.
	QueryLanguage string `toml:"query_language"`

	// AuthHeader and AuthToken configure token authentication. Both
	// empty disables the header.
	AuthHeader string `toml:"auth_header"`
	AuthToken  string `toml:"auth_token"`

	// Repository is sent as the repository selection header when set.
	Repository string `toml:"repository"`

	Retry RetryConfig `toml:"retry"`
}

// DefaultAPIConfig returns the settings matching the audited endpoint's
// conventions.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		QueryLanguage: "NXQL",
		AuthHeader:    "X-Authentication-Token",
		Repository:    "default",
		Retry:         DefaultRetryConfig(),
	}
}

// APIFetcher reads pages from the REST query endpoint. Safe for
// concurrent use; each Fetch call returns an independent stream.
type APIFetcher struct {
	cfg    APIConfig
	client *http.Client
	logger *slog.Logger
}

// NewAPIFetcher validates the config and builds an API fetcher. The
// client may be nil, in which case http.DefaultClient is used.
func NewAPIFetcher(cfg APIConfig, client *http.Client, logger *slog.Logger) (*APIFetcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, query.Configf("api base_url must be set")
	}
	if cfg.QueryLanguage == "" {
		cfg.QueryLanguage = "NXQL"
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, query.Configf("api retry config: %v", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIFetcher{cfg: cfg, client: client, logger: logger}, nil
}

// Source implements Fetcher.
func (f *APIFetcher) Source() string { return SourceAPI }

// Fetch implements Fetcher. The stream honors the spec's ordering clause
// by appending it to the query statement.
func (f *APIFetcher) Fetch(ctx context.Context, spec *query.QuerySpec, opts Options) (PageStream, error) {
	if opts.InitialOffset != 0 {
		// Page-index pagination cannot shift page boundaries by a
		// sub-page offset; use page size variants against this source.
		return nil, query.Configf("api fetcher does not support an initial offset")
	}
	return &apiStream{
		fetcher:  f,
		spec:     spec,
		opts:     opts,
		pageSize: opts.pageSize(spec),
	}, nil
}

// statement builds the full query statement sent to the endpoint.
func (f *APIFetcher) statement(spec *query.QuerySpec) string {
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s", spec.Collection(), spec.Predicate())
	if spec.HasOrdering() {
		stmt += " ORDER BY " + strings.Join(spec.OrderBy(), ", ")
	}
	return stmt
}

type apiStream struct {
	fetcher  *APIFetcher
	spec     *query.QuerySpec
	opts     Options
	pageSize int

	pageIndex int
	token     string
	done      bool
}

// apiResponse is the page shape the endpoint serves.
type apiResponse struct {
	Entries []struct {
		UID string `json:"uid"`
	} `json:"entries"`
	IsNextPageAvailable bool   `json:"isNextPageAvailable"`
	ResumeAfter         string `json:"resumeAfter"`
	ResultsCount        *int64 `json:"resultsCount"`
}

func (s *apiStream) Next(ctx context.Context) (*query.Page, error) {
	if s.done {
		return &query.Page{Final: true}, nil
	}

	resp, err := s.fetcher.doPage(ctx, s)
	if err != nil {
		return nil, err
	}

	page := &query.Page{
		Identities: make([]query.RecordIdentity, 0, len(resp.Entries)),
		NextToken:  resp.ResumeAfter,
		TotalHint:  resp.ResultsCount,
	}
	for i, entry := range resp.Entries {
		if entry.UID == "" {
			return nil, query.Protocolf(SourceAPI, "entry %d of page %d has no uid", i, s.pageIndex)
		}
		page.Identities = append(page.Identities, query.RecordIdentity(entry.UID))
	}

	// An empty page terminates the sequence even when the source still
	// claims another page is available.
	if !resp.IsNextPageAvailable || len(resp.Entries) == 0 {
		page.Final = true
		s.done = true
	}

	s.pageIndex++
	s.token = resp.ResumeAfter
	return page, nil
}

// doPage issues one page request with the retry policy applied.
func (f *APIFetcher) doPage(ctx context.Context, s *apiStream) (*apiResponse, error) {
	retry := f.cfg.Retry
	var lastErr error

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if err := sleep(ctx, retry.delay(attempt)); err != nil {
			return nil, query.Transientf(SourceAPI, err, "cancelled while backing off")
		}

		resp, err := f.requestPage(ctx, s)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// The repetition's own budget is spent; a per-call
			// timeout would have left the parent context alive.
			return nil, query.Transientf(SourceAPI, ctx.Err(), "page %d abandoned", s.pageIndex)
		}
		if !errors.Is(err, query.ErrTransient) {
			return nil, err
		}
		lastErr = err
		f.logger.Warn("transient page fetch failure",
			"source", SourceAPI,
			"page_index", s.pageIndex,
			"attempt", attempt,
			"max_attempts", retry.MaxAttempts,
			"error", err)
	}

	return nil, query.Transientf(SourceAPI, lastErr, "page %d failed after %d attempts", s.pageIndex, retry.MaxAttempts)
}

// requestPage performs a single page round trip and classifies the
// outcome.
func (f *APIFetcher) requestPage(ctx context.Context, s *apiStream) (*apiResponse, error) {
	callCtx, cancel := s.opts.callCtx(ctx)
	defer cancel()

	endpoint := fmt.Sprintf("%s/search/lang/%s/execute",
		strings.TrimRight(f.cfg.BaseURL, "/"), url.PathEscape(f.cfg.QueryLanguage))

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, query.Configf("building page request: %v", err)
	}

	params := req.URL.Query()
	params.Set("query", f.statement(s.spec))
	params.Set("pageSize", strconv.Itoa(s.pageSize))
	switch s.spec.Strategy() {
	case query.StrategyToken:
		if s.token != "" {
			params.Set("resumeAfter", s.token)
		}
	default:
		params.Set("currentPageIndex", strconv.Itoa(s.pageIndex))
	}
	req.URL.RawQuery = params.Encode()

	req.Header.Set("Accept", "application/json")
	if f.cfg.AuthHeader != "" && f.cfg.AuthToken != "" {
		req.Header.Set(f.cfg.AuthHeader, f.cfg.AuthToken)
	}
	if f.cfg.Repository != "" {
		req.Header.Set("X-NXRepository", f.cfg.Repository)
	}

	start := time.Now()
	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, query.Transientf(SourceAPI, err, "page %d request failed", s.pageIndex)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, query.FatalSourcef(SourceAPI, nil, "authentication rejected with status %d", httpResp.StatusCode)
	case retryableStatuses[httpResp.StatusCode]:
		return nil, query.Transientf(SourceAPI, nil, "page %d returned status %d", s.pageIndex, httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return nil, query.FatalSourcef(SourceAPI, nil, "page %d returned status %d", s.pageIndex, httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, query.Transientf(SourceAPI, err, "reading page %d body", s.pageIndex)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, query.Protocolf(SourceAPI, "unparseable page %d: %v", s.pageIndex, err)
	}

	f.logger.Debug("fetched page",
		"source", SourceAPI,
		"page_index", s.pageIndex,
		"entries", len(resp.Entries),
		"elapsed", time.Since(start))
	return &resp, nil
}
