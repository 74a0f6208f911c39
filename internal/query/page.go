package query

// RecordIdentity is the unique key of one logical result row, typically
// a uuid string. Equality is string equality; identities are compared
// for membership, never for ordering on their own.
type RecordIdentity string

// Page is one page of results from a fetcher: record identities in
// arrival order, the continuation state, and an optional total-count
// hint declared by the source.
type Page struct {
	Identities []RecordIdentity

	// NextToken is the opaque continuation token for token-strategy
	// sources. Empty when the source did not supply one.
	NextToken string

	// Final marks the last page of the sequence.
	Final bool

	// TotalHint is the source's declared total result count, when the
	// source reports one. Nil means no hint.
	TotalHint *int64
}
