package report_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"requery/internal/assemble"
	"requery/internal/query"
	"requery/internal/report"
)

func orderedSpec(t *testing.T) *query.QuerySpec {
	t.Helper()
	spec, err := query.New("state = 'published'", "documents", []string{"uid"}, 100, query.StrategyOffset)
	require.NoError(t, err)
	return spec
}

func unorderedSpec(t *testing.T) *query.QuerySpec {
	t.Helper()
	spec, err := query.New("state = 'published'", "documents", nil, 100, query.StrategyOffset)
	require.NoError(t, err)
	return spec
}

func completeRun(spec *query.QuerySpec, source, runID string, identities ...string) *assemble.FetchRun {
	run := &assemble.FetchRun{
		RunID:           runID,
		SpecFingerprint: spec.Fingerprint(),
		Source:          source,
		Status:          assemble.StatusComplete,
	}
	for _, id := range identities {
		run.Identities = append(run.Identities, query.RecordIdentity(id))
	}
	return run
}

func repeatedRuns(spec *query.QuerySpec, n int, identities ...string) []*assemble.FetchRun {
	runs := make([]*assemble.FetchRun, n)
	for i := range runs {
		runs[i] = completeRun(spec, "api", fmt.Sprintf("run-%d", i), identities...)
	}
	return runs
}

func TestBuild_AllCleanIsDeterministic(t *testing.T) {
	spec := orderedSpec(t)
	gen := &report.Generator{}
	ref := completeRun(spec, "database", "ref-0", "u1", "u2", "u3")

	v := gen.Build(spec, repeatedRuns(spec, 5, "u1", "u2", "u3"), ref)

	assert.Equal(t, report.VerdictDeterministic, v.Verdict)
	// 5 choose 2 pairwise plus 5 reference comparisons.
	assert.Len(t, v.Reports, 15)
	assert.Len(t, v.Runs, 6)
	assert.Empty(t, v.Hint)
	assert.NotEmpty(t, v.VerdictID)
	assert.Equal(t, spec.Fingerprint(), v.SpecFingerprint)
}

func TestBuild_OrderDivergenceOnClaimedOrderIsNonDeterministic(t *testing.T) {
	spec := orderedSpec(t)
	gen := &report.Generator{}

	runs := repeatedRuns(spec, 4, "u1", "u2", "u3", "u4")
	runs = append(runs, completeRun(spec, "api", "run-4", "u1", "u3", "u2", "u4"))

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict)

	failed := 0
	for i := range v.Reports {
		if !v.Reports[i].Passed() {
			failed++
		}
	}
	assert.Equal(t, 4, failed, "the divergent repetition fails against each of the other four")
}

func TestBuild_DuplicateEvidenceIsNonDeterministic(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	runs := repeatedRuns(spec, 4, "u1", "u2", "u3")
	dup := completeRun(spec, "api", "run-4", "u1", "u2", "u2", "u3")
	dup.Duplicates = []assemble.DuplicateOccurrence{{Identity: "u2", Position: 2}}
	runs = append(runs, dup)

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict)
	assert.Empty(t, v.Hint, "duplicates are membership evidence, not an ordering hint")
}

func TestBuild_DuplicateInEarliestRepetitionIsCaught(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	// The first repetition is only ever the reference side of pairwise
	// reports; its duplicate must still decide the verdict when no
	// oracle ran.
	dup := completeRun(spec, "api", "run-0", "u1", "u2", "u2", "u3")
	dup.Duplicates = []assemble.DuplicateOccurrence{{Identity: "u2", Position: 2}}
	runs := []*assemble.FetchRun{
		dup,
		completeRun(spec, "api", "run-1", "u1", "u2", "u3"),
		completeRun(spec, "api", "run-2", "u1", "u2", "u3"),
	}

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict)
	assert.Empty(t, v.Hint)
}

func TestBuild_MixedOrderAndDuplicateEvidence(t *testing.T) {
	spec := orderedSpec(t)
	gen := &report.Generator{}
	ref := completeRun(spec, "database", "ref-0", "u1", "u2", "u3", "u4")

	// One campaign, both defect kinds: repetition 0 repeats a record,
	// repetition 3 swaps two of them.
	dup := completeRun(spec, "api", "run-0", "u1", "u2", "u2", "u3", "u4")
	dup.Duplicates = []assemble.DuplicateOccurrence{{Identity: "u2", Position: 2}}
	runs := []*assemble.FetchRun{
		dup,
		completeRun(spec, "api", "run-1", "u1", "u2", "u3", "u4"),
		completeRun(spec, "api", "run-2", "u1", "u2", "u3", "u4"),
		completeRun(spec, "api", "run-3", "u1", "u3", "u2", "u4"),
		completeRun(spec, "api", "run-4", "u1", "u2", "u3", "u4"),
	}

	v := gen.Build(spec, runs, ref)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict)

	duplicated, orderFailed := false, false
	for i := range v.Reports {
		if len(v.Reports[i].Duplicated) > 0 {
			duplicated = true
		}
		if v.Reports[i].OrderEvaluated && !v.Reports[i].OrderOK {
			orderFailed = true
		}
	}
	assert.True(t, duplicated, "the duplicate surfaces in at least one report")
	assert.True(t, orderFailed, "the inversion surfaces in at least one report")
}

func TestBuild_MissingRecordAgainstReference(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}
	ref := completeRun(spec, "database", "ref-0", "u1", "u2", "u3", "u4")

	runs := repeatedRuns(spec, 2, "u1", "u2", "u3", "u4")
	runs = append(runs, completeRun(spec, "api", "run-2", "u1", "u2", "u4"))

	v := gen.Build(spec, runs, ref)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict)
}

func TestBuild_IncompleteRepetitionForcesInconclusive(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	runs := repeatedRuns(spec, 4, "u1", "u2")
	runs = append(runs, &assemble.FetchRun{
		RunID:           "run-4",
		SpecFingerprint: spec.Fingerprint(),
		Source:          "api",
		Status:          assemble.StatusInconclusive,
		Error:           "page 3 abandoned",
	})

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictInconclusive, v.Verdict)
	assert.Len(t, v.Reports, 6, "the four complete repetitions are still compared")
}

func TestBuild_DefectOutranksIncompleteness(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	runs := repeatedRuns(spec, 2, "u1", "u2")
	runs = append(runs, completeRun(spec, "api", "run-2", "u1"))
	runs = append(runs, &assemble.FetchRun{
		RunID:  "run-3",
		Source: "api",
		Status: assemble.StatusFatal,
	})

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict,
		"found evidence stands even when another repetition broke")
}

func TestBuild_NoCompleteRunsIsInconclusive(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	runs := []*assemble.FetchRun{
		{RunID: "run-0", Source: "api", Status: assemble.StatusInconclusive},
		{RunID: "run-1", Source: "api", Status: assemble.StatusFatal},
	}

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictInconclusive, v.Verdict)
	assert.Empty(t, v.Reports)
}

func TestBuild_HintOnUnclaimedOrderDivergence(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	// Same membership every time, shifting order: without an ordering
	// claim this stays deterministic but earns the hint.
	runs := repeatedRuns(spec, 2, "u1", "u2", "u3")
	runs = append(runs, completeRun(spec, "api", "run-2", "u3", "u1", "u2"))

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictDeterministic, v.Verdict)
	assert.Equal(t, report.HintDeclareOrdering, v.Hint)
}

func TestBuild_NoHintWhenMembershipDirty(t *testing.T) {
	spec := unorderedSpec(t)
	gen := &report.Generator{}

	runs := repeatedRuns(spec, 2, "u1", "u2", "u3")
	runs = append(runs, completeRun(spec, "api", "run-2", "u3", "u1"))

	v := gen.Build(spec, runs, nil)

	assert.Equal(t, report.VerdictNonDeterministic, v.Verdict)
	assert.Empty(t, v.Hint)
}

func TestBuild_VerdictIDDeterministic(t *testing.T) {
	spec := orderedSpec(t)
	gen := &report.Generator{}
	runs := repeatedRuns(spec, 3, "u1", "u2")

	a := gen.Build(spec, runs, nil)
	b := gen.Build(spec, runs, nil)

	assert.Equal(t, a.VerdictID, b.VerdictID,
		"rebuilding from the same runs must yield the same artifact identity")

	others := []*assemble.FetchRun{
		completeRun(spec, "api", "other-0", "u1", "u2"),
		completeRun(spec, "api", "other-1", "u1", "u2"),
	}
	other := gen.Build(spec, others, nil)
	assert.NotEqual(t, a.VerdictID, other.VerdictID,
		"different run IDs yield a different verdict identity")
}

func TestBrokenVerdict(t *testing.T) {
	spec := orderedSpec(t)

	v := report.BrokenVerdict(spec, assert.AnError)

	assert.Equal(t, report.VerdictInconclusive, v.Verdict)
	assert.Contains(t, v.Hint, "could not be executed")
	assert.NotEmpty(t, v.VerdictID)
	assert.Empty(t, v.Runs)
}

func TestSummary_Format(t *testing.T) {
	spec := orderedSpec(t)
	gen := &report.Generator{}
	ref := completeRun(spec, "database", "ref-0", "u1", "u2")

	v := gen.Build(spec, repeatedRuns(spec, 2, "u1", "u2"), ref)
	line := v.Summary()

	assert.Contains(t, line, "documents: deterministic")
	assert.Contains(t, line, "api=4 ids")
	assert.Contains(t, line, "database=2 ids")
}
