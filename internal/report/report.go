// Package report aggregates per-run comparisons into a stability
// verdict per query spec.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"requery/internal/assemble"
	"requery/internal/compare"
	"requery/internal/query"
)

// Verdict classifies one spec's observed behavior.
type Verdict string

const (
	// VerdictDeterministic: every comparison was clean (and
	// order-clean where claimed).
	VerdictDeterministic Verdict = "deterministic"
	// VerdictNonDeterministic: actionable evidence of the defect.
	VerdictNonDeterministic Verdict = "non_deterministic"
	// VerdictInconclusive: infrastructure failure prevented a complete
	// test; re-run.
	VerdictInconclusive Verdict = "inconclusive"
)

// HintDeclareOrdering is attached when the evidence points at an
// incidental order on a spec that never claimed one.
const HintDeclareOrdering = "declare an ordering clause on a unique field"

// StabilityVerdict is the aggregate over all pairwise diff reports
// produced for one spec. Append-only; never mutated after Build.
type StabilityVerdict struct {
	VerdictID       string               `json:"verdict_id"`
	SpecFingerprint string               `json:"spec_fingerprint"`
	Collection      string               `json:"collection"`
	Verdict         Verdict              `json:"verdict"`
	Reports         []compare.DiffReport `json:"reports"`
	Runs            []*assemble.FetchRun `json:"runs"`
	Hint            string               `json:"hint,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// Generator builds verdicts from sampled runs.
type Generator struct {
	// OrderThreshold is the minimum stability score a claimed order
	// must reach to pass. Zero means exact order.
	OrderThreshold float64
}

// Build derives the verdict for one spec from its candidate repetitions
// and the optional reference (oracle) run. Incomplete runs are excluded
// from comparison but flagged in the artifact; they are never silently
// treated as evidence.
func (g *Generator) Build(spec *query.QuerySpec, candRuns []*assemble.FetchRun, refRun *assemble.FetchRun) *StabilityVerdict {
	threshold := g.OrderThreshold
	if threshold == 0 {
		threshold = compare.DefaultOrderThreshold
	}
	opts := compare.Options{
		OrderClaimed:   spec.HasOrdering(),
		OrderThreshold: threshold,
	}

	v := &StabilityVerdict{
		SpecFingerprint: spec.Fingerprint(),
		Collection:      spec.Collection(),
		Runs:            append([]*assemble.FetchRun(nil), candRuns...),
		CreatedAt:       time.Now().UTC(),
	}
	if refRun != nil {
		v.Runs = append(v.Runs, refRun)
	}

	var complete []*assemble.FetchRun
	incomplete := 0
	for _, run := range candRuns {
		if run.Complete() {
			complete = append(complete, run)
		} else {
			incomplete++
		}
	}
	if refRun != nil && !refRun.Complete() {
		incomplete++
	}

	// Run-vs-run: in-source flakiness, independent of cross-source
	// drift. The earlier repetition serves as the pair's reference.
	for i := 0; i < len(complete); i++ {
		for j := i + 1; j < len(complete); j++ {
			v.Reports = append(v.Reports, compare.Runs(complete[i], complete[j], opts))
		}
	}

	// Reference-vs-candidate, when the oracle ran to completion.
	if refRun != nil && refRun.Complete() {
		for _, cand := range complete {
			v.Reports = append(v.Reports, compare.Runs(refRun, cand, opts))
		}
	}

	failed := 0
	for i := range v.Reports {
		if !v.Reports[i].Passed() {
			failed++
		}
	}
	// A duplicate inside any complete run is evidence on its own. The
	// earliest repetition never serves as the candidate side of a
	// pairwise report, so its duplicates would otherwise go uncounted
	// when no reference run exists.
	for _, run := range complete {
		if run.DuplicateCount() > 0 {
			failed++
		}
	}

	switch {
	case failed > 0 && len(complete) > 0:
		v.Verdict = VerdictNonDeterministic
	case incomplete > 0 || len(complete) == 0:
		v.Verdict = VerdictInconclusive
	default:
		v.Verdict = VerdictDeterministic
	}

	v.Hint = g.hint(spec, v.Reports, threshold)
	v.VerdictID = verdictID(v)
	return v
}

// BrokenVerdict records a spec whose campaign never produced comparable
// evidence, e.g. a misconfigured sampler or a panic inside the job.
func BrokenVerdict(spec *query.QuerySpec, cause error) *StabilityVerdict {
	v := &StabilityVerdict{
		SpecFingerprint: spec.Fingerprint(),
		Collection:      spec.Collection(),
		Verdict:         VerdictInconclusive,
		Hint:            fmt.Sprintf("spec could not be executed: %v", cause),
		CreatedAt:       time.Now().UTC(),
	}
	v.VerdictID = verdictID(v)
	return v
}

// hint flags membership-clean but order-divergent evidence on a spec
// that makes no ordering claim.
func (g *Generator) hint(spec *query.QuerySpec, reports []compare.DiffReport, threshold float64) string {
	if spec.HasOrdering() || len(reports) == 0 {
		return ""
	}
	divergent := false
	for i := range reports {
		if !reports[i].MembershipClean() {
			return ""
		}
		if reports[i].StabilityScore < threshold {
			divergent = true
		}
	}
	if divergent {
		return HintDeclareOrdering
	}
	return ""
}

// verdictID derives a deterministic identifier from the spec and the
// runs that produced the verdict, so re-serializing the same verdict is
// an idempotent write.
func verdictID(v *StabilityVerdict) string {
	seed := v.SpecFingerprint + "|" + string(v.Verdict)
	for _, run := range v.Runs {
		seed += "|" + run.RunID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// Summary returns the one-line form printed per spec by the command
// surface.
func (v *StabilityVerdict) Summary() string {
	counts := make(map[string]int)
	for _, run := range v.Runs {
		if run.Complete() {
			counts[run.Source] += len(run.Identities)
		}
	}
	sources := make([]string, 0, len(counts))
	for source := range counts {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	line := fmt.Sprintf("%s: %s (%d reports", v.Collection, v.Verdict, len(v.Reports))
	for _, source := range sources {
		line += fmt.Sprintf(", %s=%d ids", source, counts[source])
	}
	line += ")"
	if v.Hint != "" {
		line += " hint: " + v.Hint
	}
	return line
}
