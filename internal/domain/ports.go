package domain

import "context"

// Match pairs an account with a post that carries at least one tag the
// account follows. Exactly one Match is emitted per (account, post)
// regardless of how many tags overlap.
type Match struct {
	Account UserAccount
	Post    *Post
}

// DedupStore records dispatch attempts keyed by (account, post) and
// suppresses repeats within a retention horizon.
type DedupStore interface {
	// ShouldDispatch atomically checks and records the pair. It returns
	// false if a record already exists within the retention horizon;
	// otherwise it inserts the record and returns true, so concurrent
	// duplicate attempts for the same pair cannot both pass.
	ShouldDispatch(ctx context.Context, accountKey, postURI string) (bool, error)

	// Close releases any underlying resources.
	Close() error
}

// TagLister retrieves the set of tags an account currently follows from its
// home server.
type TagLister interface {
	FollowedTags(ctx context.Context, account UserAccount) ([]string, error)
}

// Searcher asks an account's home server to resolve a remote status by URI,
// causing the server to fetch and index it.
type Searcher interface {
	SearchStatus(ctx context.Context, account UserAccount, uri string) error
}
