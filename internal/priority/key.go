package priority

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

// Key byte layout. The concatenation order encodes tie-break precedence:
// recency first, then capacity, then score sign, then - only within the same
// target - the edition. The obfuscated target ID sits BEFORE the edition so
// that a byte-wise comparison short-circuits on the ID and never compares
// editions of different identities against each other.
const (
	keyDateOff     = 0
	keyCapacityOff = 4
	keySignOff     = 5
	keyTargetOff   = 6
	keyEditionOff  = keyTargetOff + wot.RoutingKeyLength

	// KeyLength is the fixed width of every priority key.
	KeyLength = keyEditionOff + 8
)

// Key is the packed binary sort key of an EditionHint.
//
// Keys are compared as opaque byte strings; a lexicographically larger key
// means "fetch first". For all valid hints this byte-wise order is identical
// to the field-by-field order of CompareByFields, which exists purely so a
// backing store can rank hints with a single-column index.
type Key []byte

// ComputeKey packs the hint's ranking attributes into a Key, obfuscating the
// target ID with the given pad.
func ComputeKey(h EditionHint, pad Pad) (Key, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("compute priority key: %w", err)
	}
	masked, err := pad.Obfuscate(h.Target)
	if err != nil {
		return nil, fmt.Errorf("compute priority key: %w", err)
	}

	k := make(Key, KeyLength)
	binary.BigEndian.PutUint32(k[keyDateOff:], uint32(h.Date.Unix()/86400))
	k[keyCapacityOff] = byte(h.Capacity)
	if h.ScoreSign == wot.Trusted {
		k[keySignOff] = 1
	}
	copy(k[keyTargetOff:], masked)
	binary.BigEndian.PutUint64(k[keyEditionOff:], uint64(h.Edition))
	return k, nil
}

// Compare orders two keys byte-wise. The larger key is fetched first.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Validate reports whether the key has the fixed width.
func (k Key) Validate() error {
	if len(k) != KeyLength {
		return fmt.Errorf("priority key has %d bytes, want %d", len(k), KeyLength)
	}
	return nil
}

func (k Key) String() string {
	return hex.EncodeToString(k)
}

// CompareByFields is the reference ordering: it compares the hints field by
// field with the documented precedence instead of through the packed key.
//
// It must agree with Key.Compare for every pair of valid hints; the tests
// assert this equivalence. Note that for hints of different targets the
// obfuscated IDs are compared even though they are meaningless as a ranking
// signal: the packed key cannot help but do the same, and what matters is
// only that the edition never gets compared across targets.
func CompareByFields(a, b EditionHint, pad Pad) (int, error) {
	if c := a.Date.UTC().Compare(b.Date.UTC()); c != 0 {
		return c, nil
	}
	if c := intCompare(a.Capacity, b.Capacity); c != 0 {
		return c, nil
	}
	if c := intCompare(int(a.ScoreSign), int(b.ScoreSign)); c != 0 {
		return c, nil
	}

	maskedA, err := pad.Obfuscate(a.Target)
	if err != nil {
		return 0, err
	}
	maskedB, err := pad.Obfuscate(b.Target)
	if err != nil {
		return 0, err
	}
	if c := bytes.Compare(maskedA, maskedB); c != 0 {
		return c, nil
	}

	return intCompare64(a.Edition, b.Edition), nil
}

func intCompare(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func intCompare64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
