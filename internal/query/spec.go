// Package query defines the source-independent data model: the logical
// query specification, record identities, and the page shape every
// fetcher produces.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Strategy selects how a fetcher advances through pages.
type Strategy string

const (
	// StrategyOffset pages by an incrementing page index.
	StrategyOffset Strategy = "offset"
	// StrategyToken pages by the opaque continuation token returned
	// with each page.
	StrategyToken Strategy = "token"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyOffset, StrategyToken:
		return Strategy(s), nil
	case "":
		return StrategyOffset, nil
	default:
		return "", Configf("unknown pagination strategy: %q", s)
	}
}

// DefaultPageSize matches the page size the audited endpoint serves by
// default.
const DefaultPageSize = 100

// QuerySpec is one logical query: a predicate in the source's native
// query language, a target collection, an optional ordering clause, and
// pagination parameters. A QuerySpec is immutable after New returns it;
// all fields are reached through accessors.
type QuerySpec struct {
	predicate  string
	collection string
	orderBy    []string
	pageSize   int
	strategy   Strategy
}

// New validates and constructs a QuerySpec. An empty predicate or
// collection, a non-positive page size, or an unknown strategy is a
// config error.
func New(predicate, collection string, orderBy []string, pageSize int, strategy Strategy) (*QuerySpec, error) {
	if strings.TrimSpace(predicate) == "" {
		return nil, Configf("query spec predicate must not be empty")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, Configf("query spec collection must not be empty")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 0 {
		return nil, Configf("query spec page size must be positive, got %d", pageSize)
	}
	switch strategy {
	case "":
		strategy = StrategyOffset
	case StrategyOffset, StrategyToken:
	default:
		return nil, Configf("unknown pagination strategy: %q", strategy)
	}
	for _, field := range orderBy {
		if strings.TrimSpace(field) == "" {
			return nil, Configf("ordering clause contains an empty field name")
		}
	}

	return &QuerySpec{
		predicate:  predicate,
		collection: collection,
		orderBy:    append([]string(nil), orderBy...),
		pageSize:   pageSize,
		strategy:   strategy,
	}, nil
}

// Predicate returns the predicate expression in the source's native
// query language.
func (s *QuerySpec) Predicate() string { return s.predicate }

// Collection returns the target collection identifier.
func (s *QuerySpec) Collection() string { return s.collection }

// OrderBy returns a copy of the declared ordering clause, which may be
// empty. A spec with no ordering clause makes no order claim and is
// never failed on order divergence alone.
func (s *QuerySpec) OrderBy() []string {
	return append([]string(nil), s.orderBy...)
}

// HasOrdering reports whether the spec declares an ordering clause.
func (s *QuerySpec) HasOrdering() bool { return len(s.orderBy) > 0 }

// PageSize returns the requested page size.
func (s *QuerySpec) PageSize() int { return s.pageSize }

// Strategy returns the pagination strategy tag.
func (s *QuerySpec) Strategy() Strategy { return s.strategy }

// Fingerprint returns a stable hex digest of the spec. Two specs with
// identical fields share a fingerprint, which keys the report artifact.
func (s *QuerySpec) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		s.predicate,
		s.collection,
		strings.Join(s.orderBy, ","),
		strconv.Itoa(s.pageSize),
		string(s.strategy),
	} {
		// Length-prefix each field so adjacent fields cannot collide.
		fmt.Fprintf(h, "%d:%s;", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String returns a short human-readable form used in logs.
func (s *QuerySpec) String() string {
	return fmt.Sprintf("%s[%s]", s.collection, truncate(s.predicate, 60))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
