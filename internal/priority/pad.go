package priority

import (
	"crypto/rand"
	"fmt"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

// PadLength is the size of a generated obfuscation pad. It must be at least
// wot.RoutingKeyLength so every routing key byte gets masked.
const PadLength = wot.RoutingKeyLength

// Pad is a process-local secret used to obfuscate target identity IDs inside
// priority keys.
//
// Identity IDs are hashes of self-generated public keys, so an attacker
// could grind key generation until their ID sorts high. XORing the ID with a
// pad the attacker cannot know makes the resulting order unpredictable to
// them while staying a deterministic bijection for us.
//
// The pad is generated once and persisted by the store; changing it only
// reshuffles the arbitrary order among otherwise-equal hints.
type Pad []byte

// NewPad generates a fresh random pad of PadLength bytes.
func NewPad() (Pad, error) {
	p := make(Pad, PadLength)
	if _, err := rand.Read(p); err != nil {
		return nil, fmt.Errorf("generate obfuscation pad: %w", err)
	}
	return p, nil
}

// Validate reports whether the pad is long enough to obfuscate a routing key.
func (p Pad) Validate() error {
	if len(p) < wot.RoutingKeyLength {
		return fmt.Errorf("obfuscation pad has %d bytes, need at least %d", len(p), wot.RoutingKeyLength)
	}
	return nil
}

// Obfuscate XORs the identity's routing key with the pad.
//
// The operation is its own inverse: Obfuscate applied to an obfuscated key
// yields the original. Fails if the pad is shorter than the routing key or
// the ID is malformed.
func (p Pad) Obfuscate(id wot.IdentityID) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := id.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ p[i]
	}
	return out, nil
}

// ObfuscateID is Obfuscate with the result re-encoded as an IdentityID.
// Applying it twice returns the original ID.
func (p Pad) ObfuscateID(id wot.IdentityID) (wot.IdentityID, error) {
	masked, err := p.Obfuscate(id)
	if err != nil {
		return "", err
	}
	return wot.IdentityIDFromBytes(masked)
}
