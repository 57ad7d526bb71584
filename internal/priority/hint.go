// Package priority implements the ranking of competing fetch candidates.
//
// An edition hint is a claim, made by one identity about another, that a
// given edition of the target is available. When bandwidth cannot satisfy
// every hint, the slow downloader fetches them in the order defined by
// a single packed binary sort key, see Key.
package priority

import (
	"fmt"
	"time"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

const (
	// MinCapacity is the lowest source capacity for which hints are
	// accepted. Identities with capacity 0 have no voting power in score
	// computation and may not steer our downloads either.
	MinCapacity = 1

	// MaxCapacity is the highest possible capacity.
	MaxCapacity = 100
)

// EditionHint is one identity's claim that a specific edition of another
// identity is available.
//
// Exactly one hint may exist per (Source, Target) pair; a newer hint from
// the same source replaces the old one. The natural key is HintID.
type EditionHint struct {
	// Source is the identity that made the claim.
	Source wot.IdentityID

	// Target is the identity the claimed edition belongs to.
	Target wot.IdentityID

	// Date is when the source claims to have discovered the edition,
	// truncated to the UTC day. Day granularity deliberately coarsens the
	// primary sort field so the capacity tiebreaker gets a chance to act,
	// and so that flooding hints cannot always win the ordering.
	Date time.Time

	// Capacity is the source's rank-derived weight, in [MinCapacity, MaxCapacity].
	Capacity int

	// ScoreSign is the sign of the source's score at the time the hint
	// arrived.
	ScoreSign wot.ScoreSign

	// Edition is the claimed edition number, >= 0.
	Edition int64
}

// NewEditionHint validates the given attributes and returns the hint with
// its date truncated to the UTC day.
//
// Malformed hints are rejected here and never reach the store.
func NewEditionHint(source, target wot.IdentityID, date time.Time, capacity int,
	sign wot.ScoreSign, edition int64) (EditionHint, error) {

	if !source.Valid() {
		return EditionHint{}, fmt.Errorf("invalid source identity ID %q", source)
	}
	if !target.Valid() {
		return EditionHint{}, fmt.Errorf("invalid target identity ID %q", target)
	}
	if source == target {
		return EditionHint{}, fmt.Errorf("identity %s is hinting about itself", source)
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return EditionHint{}, fmt.Errorf("invalid capacity %d, want [%d, %d]", capacity, MinCapacity, MaxCapacity)
	}
	if !sign.Valid() {
		return EditionHint{}, fmt.Errorf("invalid score sign %d", sign)
	}
	if edition < 0 {
		return EditionHint{}, fmt.Errorf("invalid edition %d", edition)
	}
	if date.After(time.Now()) {
		return EditionHint{}, fmt.Errorf("hint date %s is in the future", date.UTC().Format(time.RFC3339))
	}
	if date.Unix() < 0 {
		return EditionHint{}, fmt.Errorf("hint date %s predates the epoch", date.UTC().Format(time.RFC3339))
	}

	return EditionHint{
		Source:    source,
		Target:    target,
		Date:      truncateToDay(date),
		Capacity:  capacity,
		ScoreSign: sign,
		Edition:   edition,
	}, nil
}

// HintID is the hint's natural key: one hint per (source, target) pair.
func (h EditionHint) HintID() string {
	return string(h.Source) + "@" + string(h.Target)
}

// Validate re-checks the invariants NewEditionHint establishes.
// Used by the startup integrity check on hints read back from the store.
func (h EditionHint) Validate() error {
	_, err := NewEditionHint(h.Source, h.Target, h.Date, h.Capacity, h.ScoreSign, h.Edition)
	if err != nil {
		return err
	}
	if !h.Date.Equal(truncateToDay(h.Date)) {
		return fmt.Errorf("hint date %s is not truncated to a day", h.Date)
	}
	return nil
}

func (h EditionHint) String() string {
	return fmt.Sprintf("hint{%s -> %s@%d, %s, capacity=%d, %s}",
		h.Source, h.Target, h.Edition, h.Date.UTC().Format("2006-01-02"), h.Capacity, h.ScoreSign)
}

// truncateToDay coarsens t to the start of its UTC day.
func truncateToDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
