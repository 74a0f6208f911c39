package fetch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"requery/internal/fetch"
	"requery/internal/query"
	"requery/internal/testutil"
)

// pageBody renders one endpoint response.
func pageBody(uids []string, more bool, resumeAfter string, total *int64) string {
	type entry struct {
		UID string `json:"uid"`
	}
	entries := make([]entry, len(uids))
	for i, id := range uids {
		entries[i] = entry{UID: id}
	}
	body, _ := json.Marshal(map[string]any{
		"entries":             entries,
		"isNextPageAvailable": more,
		"resumeAfter":         resumeAfter,
		"resultsCount":        total,
	})
	return string(body)
}

func newAPIFetcher(t *testing.T, baseURL string, mutate func(*fetch.APIConfig)) *fetch.APIFetcher {
	t.Helper()
	cfg := fetch.DefaultAPIConfig()
	cfg.BaseURL = baseURL
	cfg.Retry = fetch.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := fetch.NewAPIFetcher(cfg, nil, testutil.NewTestLogger())
	require.NoError(t, err)
	return f
}

func orderedSpec(t *testing.T) *query.QuerySpec {
	t.Helper()
	spec, err := query.New("state = 'published'", "documents", []string{"uid"}, 2, query.StrategyOffset)
	require.NoError(t, err)
	return spec
}

func drain(t *testing.T, stream fetch.PageStream) []query.RecordIdentity {
	t.Helper()
	var out []query.RecordIdentity
	for {
		page, err := stream.Next(context.Background())
		require.NoError(t, err)
		out = append(out, page.Identities...)
		if page.Final {
			return out
		}
	}
}

func TestNewAPIFetcher_RequiresBaseURL(t *testing.T) {
	_, err := fetch.NewAPIFetcher(fetch.APIConfig{}, nil, nil)
	assert.True(t, errors.Is(err, query.ErrConfig))
}

func TestAPIFetcher_WalksOffsetPagination(t *testing.T) {
	pages := [][]string{{"u1", "u2"}, {"u3", "u4"}, {"u5"}}
	var requests []*http.Request

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Clone(context.Background()))
		idx := len(requests) - 1
		if idx >= len(pages) {
			t.Errorf("page %d requested past the final page", idx)
			fmt.Fprint(w, pageBody(nil, false, "", nil))
			return
		}
		total := int64(5)
		fmt.Fprint(w, pageBody(pages[idx], idx < len(pages)-1, "", &total))
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, func(cfg *fetch.APIConfig) {
		cfg.AuthToken = "secret"
	})
	spec := orderedSpec(t)

	stream, err := f.Fetch(context.Background(), spec, fetch.Options{})
	require.NoError(t, err)

	first, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.TotalHint)
	assert.Equal(t, int64(5), *first.TotalHint)
	assert.False(t, first.Final)

	rest := drain(t, stream)
	all := append(first.Identities, rest...)
	assert.Equal(t, []query.RecordIdentity{"u1", "u2", "u3", "u4", "u5"}, all)

	require.Len(t, requests, 3)
	q := requests[0].URL.Query()
	assert.Equal(t, "SELECT * FROM documents WHERE state = 'published' ORDER BY uid", q.Get("query"))
	assert.Equal(t, "2", q.Get("pageSize"))
	assert.Equal(t, "0", q.Get("currentPageIndex"))
	assert.Equal(t, "1", requests[1].URL.Query().Get("currentPageIndex"))
	assert.Equal(t, "secret", requests[0].Header.Get("X-Authentication-Token"))
	assert.Equal(t, "default", requests[0].Header.Get("X-NXRepository"))
}

func TestAPIFetcher_TokenPaginationSendsResumeAfter(t *testing.T) {
	var tokens []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.URL.Query().Get("resumeAfter"))
		switch len(tokens) {
		case 1:
			fmt.Fprint(w, pageBody([]string{"u1", "u2"}, true, "tok-1", nil))
		default:
			fmt.Fprint(w, pageBody([]string{"u3"}, false, "", nil))
		}
	}))
	defer server.Close()

	spec, err := query.New("state = 'published'", "documents", nil, 2, query.StrategyToken)
	require.NoError(t, err)

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), spec, fetch.Options{})
	require.NoError(t, err)

	all := drain(t, stream)
	assert.Equal(t, []query.RecordIdentity{"u1", "u2", "u3"}, all)
	assert.Equal(t, []string{"", "tok-1"}, tokens, "first page has no token, second resumes")
}

func TestAPIFetcher_PageSizeOverrideWins(t *testing.T) {
	var pageSize string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageSize = r.URL.Query().Get("pageSize")
		fmt.Fprint(w, pageBody([]string{"u1"}, false, "", nil))
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{PageSize: 7})
	require.NoError(t, err)
	drain(t, stream)

	assert.Equal(t, "7", pageSize)
}

func TestAPIFetcher_RejectsInitialOffset(t *testing.T) {
	f := newAPIFetcher(t, "http://localhost:1", nil)

	_, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{InitialOffset: 3})
	assert.True(t, errors.Is(err, query.ErrConfig))
}

func TestAPIFetcher_RetriesTransientStatus(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, pageBody([]string{"u1"}, false, "", nil))
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{})
	require.NoError(t, err)

	page, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []query.RecordIdentity{"u1"}, page.Identities)
	assert.Equal(t, 3, attempts)
}

func TestAPIFetcher_ExhaustedRetriesAreTransient(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.True(t, errors.Is(err, query.ErrTransient))
	assert.Equal(t, 3, attempts, "transient statuses consume every attempt")
}

func TestAPIFetcher_AuthRejectionIsFatalWithoutRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.True(t, errors.Is(err, query.ErrFatalSource))
	assert.Equal(t, 1, attempts, "an auth rejection is not retried")
}

func TestAPIFetcher_UnparseablePageIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>gateway error</html>")
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.True(t, errors.Is(err, query.ErrProtocol))
}

func TestAPIFetcher_EntryWithoutUIDIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"entries":[{"uid":""}],"isNextPageAvailable":false}`)
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.True(t, errors.Is(err, query.ErrProtocol))
}

func TestAPIFetcher_EmptyPageTerminates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The source claims more pages but serves none; trusting it
		// would loop forever.
		fmt.Fprint(w, pageBody(nil, true, "", nil))
	}))
	defer server.Close()

	f := newAPIFetcher(t, server.URL, nil)
	stream, err := f.Fetch(context.Background(), orderedSpec(t), fetch.Options{})
	require.NoError(t, err)

	page, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, page.Final)
	assert.Empty(t, page.Identities)
}
