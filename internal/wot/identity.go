package wot

import (
	"encoding/base64"
	"fmt"
)

// RoutingKeyLength is the decoded size of an identity's routing key in bytes.
const RoutingKeyLength = 32

// IdentityIDLength is the encoded length of an IdentityID in characters.
// 32 bytes encode to 43 base64url characters without padding.
const IdentityIDLength = 43

var idEncoding = base64.RawURLEncoding

// IdentityID is the stable identifier of a remote participant: the base64url
// encoding (unpadded) of its 32-byte routing key.
//
// Identity IDs are derived from self-generated public keys, so their byte
// values are attacker-controlled. Anything that sorts on them must obfuscate
// them first, see the priority package.
type IdentityID string

// ParseIdentityID validates s and returns it as an IdentityID.
// Returns an error if s is not the base64url encoding of exactly
// RoutingKeyLength bytes.
func ParseIdentityID(s string) (IdentityID, error) {
	if len(s) != IdentityIDLength {
		return "", fmt.Errorf("identity ID has length %d, want %d", len(s), IdentityIDLength)
	}
	raw, err := idEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("identity ID is not valid base64url: %w", err)
	}
	if len(raw) != RoutingKeyLength {
		return "", fmt.Errorf("identity ID decodes to %d bytes, want %d", len(raw), RoutingKeyLength)
	}
	return IdentityID(s), nil
}

// IdentityIDFromBytes encodes a raw routing key as an IdentityID.
// Returns an error if key is not exactly RoutingKeyLength bytes.
func IdentityIDFromBytes(key []byte) (IdentityID, error) {
	if len(key) != RoutingKeyLength {
		return "", fmt.Errorf("routing key has %d bytes, want %d", len(key), RoutingKeyLength)
	}
	return IdentityID(idEncoding.EncodeToString(key)), nil
}

// Bytes returns the decoded routing key.
// Returns an error if the ID was not produced by ParseIdentityID or
// IdentityIDFromBytes.
func (id IdentityID) Bytes() ([]byte, error) {
	raw, err := idEncoding.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode identity ID %q: %w", id, err)
	}
	if len(raw) != RoutingKeyLength {
		return nil, fmt.Errorf("identity ID %q decodes to %d bytes, want %d", id, len(raw), RoutingKeyLength)
	}
	return raw, nil
}

// Valid reports whether the ID would pass ParseIdentityID.
func (id IdentityID) Valid() bool {
	_, err := ParseIdentityID(string(id))
	return err == nil
}

// NoEdition is the LastFetchedEdition value of an identity no edition of
// which has ever been fetched and applied.
const NoEdition int64 = -1

// Identity is the scheduler's read-only view of a remote participant.
//
// The graph subsystem owns identities; the scheduler only ever reads the
// three fields below through TrustGraph.
type Identity struct {
	// ID is the stable identifier.
	ID IdentityID

	// LastFetchedEdition is the newest edition that has been fetched AND
	// durably applied to the graph, or NoEdition if none. It is advanced
	// only by the edition-applied callback, never by fetch completion, so
	// losing queued-but-unprocessed files can never lose data.
	LastFetchedEdition int64

	// NextEditionToFetch is the edition a downloader should request next.
	// Usually LastFetchedEdition+1, but may be lower after a refetch was
	// requested or higher after the user supplied a suggested edition when
	// restoring a local identity.
	NextEditionToFetch int64
}

// Trust is a trust edge as the scheduler sees it: the downloaders only care
// about edges whose truster is a locally-owned identity.
type Trust struct {
	Truster IdentityID
	Trustee IdentityID

	// Value is the trust value in [-100, 100].
	Value int
}

// IsPositive reports whether the edge justifies continuous polling of the
// trustee by the fast downloader.
func (t Trust) IsPositive() bool {
	return t.Value >= 0
}

// ScoreSign is an identity's computed score collapsed to its sign.
// There are many distinct score values; collapsing to the sign keeps the
// priority ordering coarse enough that the edition can act as tiebreaker.
type ScoreSign int8

const (
	// Distrusted means the score was negative.
	Distrusted ScoreSign = -1
	// Trusted means the score was zero or positive.
	Trusted ScoreSign = 1
)

// Valid reports whether s is one of the two defined signs.
func (s ScoreSign) Valid() bool {
	return s == Distrusted || s == Trusted
}

func (s ScoreSign) String() string {
	switch s {
	case Distrusted:
		return "distrusted"
	case Trusted:
		return "trusted"
	default:
		return fmt.Sprintf("ScoreSign(%d)", int8(s))
	}
}
