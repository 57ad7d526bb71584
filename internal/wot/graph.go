package wot

import "context"

// TrustGraph is the scheduler's oracle into the reputation graph.
//
// All methods answer from the graph's current state. The controller
// guarantees they are only called while the graph lock is held (see the
// download package for the lock order), so implementations need no locking
// of their own beyond what they require for other callers.
//
// Score and capacity arithmetic is entirely the graph's concern; the
// scheduler treats the answers as opaque ranking inputs.
type TrustGraph interface {
	// ShouldFetch reports whether any locally-owned identity's opinion
	// currently justifies downloading the given identity.
	ShouldFetch(id IdentityID) bool

	// Capacity returns the rank-derived weight of the identity in [0, 100].
	// Identities with capacity 0 may not provide edition hints.
	Capacity(id IdentityID) int

	// ScoreSign returns the sign of the identity's best score.
	ScoreSign(id IdentityID) ScoreSign

	// Identity returns the identity's current state, or ok=false if the
	// graph does not know it.
	Identity(id IdentityID) (identity Identity, ok bool)

	// FetchableIdentities returns all identities for which ShouldFetch is
	// true. Used at startup to rebuild downloader state; runtime changes
	// arrive through controller callbacks instead.
	FetchableIdentities() []Identity

	// DirectTrusts returns all trust edges whose truster is a locally-owned
	// identity. The fast downloader watches the trustees of the positive
	// ones.
	DirectTrusts() []Trust
}

// FetchResult is the outcome of a successful network fetch.
type FetchResult struct {
	Identity IdentityID
	Edition  int64

	// Data is the raw fetched document, unparsed.
	Data []byte

	// Source is the network address the data was retrieved from,
	// kept for diagnostics only.
	Source string
}

// FetchService performs the actual network retrieval of a specific edition.
// It is the only long-blocking dependency of the scheduler; callers must not
// hold any scheduler lock across a Fetch call.
//
// A returned error is expected and frequent: hints may be lies and peers may
// be unreachable. Callers treat failure as "abandon this candidate".
type FetchService interface {
	Fetch(ctx context.Context, id IdentityID, edition int64) (*FetchResult, error)
}

// EditionApplier parses a fetched edition and applies it to the graph.
//
// ApplyFetchedEdition must be durable before it returns: once it reports
// success the edition counts as fetched, and the file queue entry that held
// the bytes may be destroyed. It returns the post-apply state of the
// identity the edition belonged to.
type EditionApplier interface {
	ApplyFetchedEdition(data []byte) (Identity, error)
}
