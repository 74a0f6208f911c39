package assemble_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"requery/internal/assemble"
	"requery/internal/fetch"
	"requery/internal/query"
	"requery/internal/testutil"
)

func testSpec(t *testing.T) *query.QuerySpec {
	t.Helper()
	spec, err := query.New("state = 'published'", "documents", []string{"uid"}, 2, query.StrategyOffset)
	require.NoError(t, err)
	return spec
}

func stream(t *testing.T, fetcher fetch.Fetcher, spec *query.QuerySpec) fetch.PageStream {
	t.Helper()
	s, err := fetcher.Fetch(context.Background(), spec, fetch.Options{})
	require.NoError(t, err)
	return s
}

func TestRun_AssemblesPagesInArrivalOrder(t *testing.T) {
	spec := testSpec(t)
	fetcher := testutil.NewScriptedFetcher("api", testutil.PagesOf(
		[]string{"a", "b"},
		[]string{"c", "d"},
		[]string{"e"},
	))
	asm := assemble.New(0, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusComplete, run.Status)
	assert.True(t, run.Complete())
	assert.Equal(t, []query.RecordIdentity{"a", "b", "c", "d", "e"}, run.Identities)
	assert.Equal(t, 3, run.Pages)
	assert.Empty(t, run.Duplicates)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, spec.Fingerprint(), run.SpecFingerprint)
	assert.False(t, run.StartedAt.IsZero())
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}

func TestRun_RecordsDuplicateOccurrences(t *testing.T) {
	spec := testSpec(t)
	// "b" straddles the page boundary: last record of page one, first
	// record of page two.
	fetcher := testutil.NewScriptedFetcher("api", testutil.PagesOf(
		[]string{"a", "b"},
		[]string{"b", "c"},
	))
	asm := assemble.New(0, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusComplete, run.Status)
	assert.Equal(t, []query.RecordIdentity{"a", "b", "b", "c"}, run.Identities)
	require.Len(t, run.Duplicates, 1)
	assert.Equal(t, query.RecordIdentity("b"), run.Duplicates[0].Identity)
	assert.Equal(t, 2, run.Duplicates[0].Position)
	assert.Equal(t, 1, run.DuplicateCount())
}

func TestRun_PageCapIsFatal(t *testing.T) {
	spec := testSpec(t)
	// A stream that never marks a page final.
	endless := make([]testutil.ScriptedPage, 0, 8)
	for i := 0; i < 8; i++ {
		endless = append(endless, testutil.ScriptedPage{Page: &query.Page{
			Identities: []query.RecordIdentity{query.RecordIdentity(string(rune('a' + i)))},
		}})
	}
	fetcher := testutil.NewScriptedFetcher("api", endless)
	asm := assemble.New(3, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusFatal, run.Status)
	assert.False(t, run.Complete())
	assert.Equal(t, 3, run.Pages)
	assert.Contains(t, run.Error, "did not terminate")
}

func TestRun_TransientFailureIsInconclusive(t *testing.T) {
	spec := testSpec(t)
	script := testutil.PagesOf([]string{"a", "b"})
	script[0].Page.Final = false
	script = append(script, testutil.ScriptedPage{
		Err: query.Transientf("api", context.DeadlineExceeded, "page 2 abandoned"),
	})
	fetcher := testutil.NewScriptedFetcher("api", script)
	asm := assemble.New(0, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusInconclusive, run.Status)
	assert.Equal(t, []query.RecordIdentity{"a", "b"}, run.Identities, "partial evidence is kept")
	assert.NotEmpty(t, run.Error)
}

func TestRun_ProtocolFailureIsFatal(t *testing.T) {
	spec := testSpec(t)
	fetcher := testutil.NewScriptedFetcher("api", []testutil.ScriptedPage{
		{Err: query.Protocolf("api", "entry without identity")},
	})
	asm := assemble.New(0, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusFatal, run.Status)
}

func TestRun_HintMismatchFlagged(t *testing.T) {
	spec := testSpec(t)

	declared := int64(5)
	script := testutil.PagesOf([]string{"a", "b"}, []string{"c"})
	script[0].Page.TotalHint = &declared
	fetcher := testutil.NewScriptedFetcher("api", script)
	asm := assemble.New(0, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusComplete, run.Status)
	require.NotNil(t, run.TotalHint)
	assert.Equal(t, declared, *run.TotalHint)
	assert.True(t, run.HintMismatch)
}

func TestRun_HintAgreesWithUniqueCount(t *testing.T) {
	spec := testSpec(t)

	// Three declared, three distinct assembled; the duplicate arrival
	// does not count against the declared total.
	declared := int64(3)
	script := testutil.PagesOf([]string{"a", "b"}, []string{"b", "c"})
	script[0].Page.TotalHint = &declared
	fetcher := testutil.NewScriptedFetcher("api", script)
	asm := assemble.New(0, testutil.NewTestLogger())

	run := asm.Run(context.Background(), stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusComplete, run.Status)
	assert.False(t, run.HintMismatch)
}

func TestRun_CancelledContextIsInconclusive(t *testing.T) {
	spec := testSpec(t)
	fetcher := testutil.NewScriptedFetcher("api", testutil.PagesOf([]string{"a"}))
	asm := assemble.New(0, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := asm.Run(ctx, stream(t, fetcher, spec), spec, "api")

	assert.Equal(t, assemble.StatusInconclusive, run.Status)
	assert.Empty(t, run.Identities)
}

func TestNew_Defaults(t *testing.T) {
	asm := assemble.New(0, nil)
	assert.Equal(t, assemble.DefaultPageCap, asm.PageCap)
	assert.NotNil(t, asm.Logger)
}
