// Package compare computes membership and order differences between two
// assembled record sets.
package compare

import (
	"sort"

	"requery/internal/assemble"
	"requery/internal/query"
)

// Options controls order evaluation.
type Options struct {
	// OrderClaimed marks that the originating spec declares an
	// ordering clause. Only then is order evaluated as pass/fail.
	OrderClaimed bool

	// OrderThreshold is the minimum stability score a claimed order
	// must reach. 1.0 requires exact relative order.
	OrderThreshold float64
}

// DefaultOrderThreshold requires exact order when an order is claimed.
const DefaultOrderThreshold = 1.0

// DiffReport is the immutable result of comparing a candidate run
// against a reference run.
type DiffReport struct {
	RefSource  string `json:"ref_source"`
	CandSource string `json:"cand_source"`
	RefRunID   string `json:"ref_run_id"`
	CandRunID  string `json:"cand_run_id"`

	// Membership evidence.
	Missing    []query.RecordIdentity `json:"missing,omitempty"`
	Extra      []query.RecordIdentity `json:"extra,omitempty"`
	Duplicated []query.RecordIdentity `json:"duplicated,omitempty"`

	// Order evidence, computed over the identities present on both
	// sides.
	Inversions      int     `json:"inversions"`
	ComparablePairs int     `json:"comparable_pairs"`
	StabilityScore  float64 `json:"stability_score"`

	// OrderEvaluated is set when the spec claims an order; OrderOK is
	// only meaningful then.
	OrderEvaluated bool `json:"order_evaluated"`
	OrderOK        bool `json:"order_ok"`

	// Clean means no missing, no extra, and no duplicates. Order is
	// folded in only when evaluated.
	Clean bool `json:"clean"`
}

// Passed reports whether the comparison found nothing actionable.
func (d *DiffReport) Passed() bool {
	if !d.Clean {
		return false
	}
	if d.OrderEvaluated && !d.OrderOK {
		return false
	}
	return true
}

// MembershipClean reports whether membership alone was clean, whatever
// the order looked like.
func (d *DiffReport) MembershipClean() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0 && len(d.Duplicated) == 0
}

// Runs compares a candidate fetch run against a reference fetch run.
// Duplicates within the candidate are read from the run's duplicate
// occurrences, not recomputed. Both runs must be complete; comparing an
// incomplete run is a programming error guarded by the caller.
func Runs(ref, cand *assemble.FetchRun, opts Options) DiffReport {
	report := Sequences(ref.Identities, cand.Identities, opts)
	report.RefSource = ref.Source
	report.CandSource = cand.Source
	report.RefRunID = ref.RunID
	report.CandRunID = cand.RunID

	report.Duplicated = duplicatedIdentities(cand)
	report.Clean = report.Clean && len(report.Duplicated) == 0
	return report
}

// Sequences compares two raw identity sequences. Used directly by tests
// of the algebraic properties; production code goes through Runs.
func Sequences(ref, cand []query.RecordIdentity, opts Options) DiffReport {
	refSet := positionIndex(ref)
	candSet := positionIndex(cand)

	report := DiffReport{
		Missing: absentFrom(ref, candSet),
		Extra:   absentFrom(cand, refSet),
	}

	// Order divergence over the common subset: map the candidate's
	// common subsequence into reference positions and count pairwise
	// inversions of that permutation.
	perm := make([]int, 0, len(cand))
	for _, id := range cand {
		if pos, ok := refSet[id]; ok {
			perm = append(perm, pos)
		}
	}
	report.Inversions = countInversions(perm)
	report.ComparablePairs = len(perm) * (len(perm) - 1) / 2
	report.StabilityScore = 1.0 - float64(report.Inversions)/float64(max(1, report.ComparablePairs))

	if opts.OrderClaimed {
		threshold := opts.OrderThreshold
		if threshold == 0 {
			threshold = DefaultOrderThreshold
		}
		report.OrderEvaluated = true
		report.OrderOK = report.StabilityScore >= threshold
	}

	report.Clean = len(report.Missing) == 0 && len(report.Extra) == 0
	return report
}

// positionIndex maps each identity to its first position.
func positionIndex(seq []query.RecordIdentity) map[query.RecordIdentity]int {
	idx := make(map[query.RecordIdentity]int, len(seq))
	for i, id := range seq {
		if _, ok := idx[id]; !ok {
			idx[id] = i
		}
	}
	return idx
}

// absentFrom collects identities of seq that do not appear in other,
// deduplicated, in a deterministic order.
func absentFrom(seq []query.RecordIdentity, other map[query.RecordIdentity]int) []query.RecordIdentity {
	var out []query.RecordIdentity
	seen := make(map[query.RecordIdentity]struct{})
	for _, id := range seq {
		if _, ok := other[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// duplicatedIdentities extracts the distinct identities that repeated
// within the candidate run, sorted.
func duplicatedIdentities(run *assemble.FetchRun) []query.RecordIdentity {
	if len(run.Duplicates) == 0 {
		return nil
	}
	seen := make(map[query.RecordIdentity]struct{}, len(run.Duplicates))
	var out []query.RecordIdentity
	for _, occ := range run.Duplicates {
		if _, ok := seen[occ.Identity]; ok {
			continue
		}
		seen[occ.Identity] = struct{}{}
		out = append(out, occ.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// countInversions counts pairs (i, j) with i < j and perm[i] > perm[j]
// via merge sort.
func countInversions(perm []int) int {
	if len(perm) < 2 {
		return 0
	}
	work := append([]int(nil), perm...)
	buf := make([]int, len(work))
	return mergeCount(work, buf)
}

func mergeCount(a, buf []int) int {
	n := len(a)
	if n < 2 {
		return 0
	}
	mid := n / 2
	count := mergeCount(a[:mid], buf[:mid]) + mergeCount(a[mid:], buf[mid:])

	i, j, k := 0, mid, 0
	for i < mid && j < n {
		if a[i] <= a[j] {
			buf[k] = a[i]
			i++
		} else {
			// a[i..mid) are all greater than a[j].
			count += mid - i
			buf[k] = a[j]
			j++
		}
		k++
	}
	for i < mid {
		buf[k] = a[i]
		i++
		k++
	}
	for j < n {
		buf[k] = a[j]
		j++
		k++
	}
	copy(a, buf[:n])
	return count
}
