package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

func TestNewEditionHint_TruncatesDate(t *testing.T) {
	h := mustHint(t, testID(t, 0x01), testID(t, 0x02),
		time.Date(2025, 4, 5, 17, 42, 13, 999, time.UTC), 40, wot.Trusted, 3)

	assert.Equal(t, time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC), h.Date)
	assert.NoError(t, h.Validate())
}

func TestNewEditionHint_Rejections(t *testing.T) {
	source := testID(t, 0x01)
	target := testID(t, 0x02)
	date := time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		fn   func() (EditionHint, error)
	}{
		{"self hint", func() (EditionHint, error) {
			return NewEditionHint(source, source, date, 40, wot.Trusted, 3)
		}},
		{"capacity zero", func() (EditionHint, error) {
			return NewEditionHint(source, target, date, 0, wot.Trusted, 3)
		}},
		{"capacity too high", func() (EditionHint, error) {
			return NewEditionHint(source, target, date, 101, wot.Trusted, 3)
		}},
		{"negative edition", func() (EditionHint, error) {
			return NewEditionHint(source, target, date, 40, wot.Trusted, -1)
		}},
		{"future date", func() (EditionHint, error) {
			return NewEditionHint(source, target, time.Now().Add(48*time.Hour), 40, wot.Trusted, 3)
		}},
		{"pre-epoch date", func() (EditionHint, error) {
			return NewEditionHint(source, target,
				time.Date(1969, 12, 30, 0, 0, 0, 0, time.UTC), 40, wot.Trusted, 3)
		}},
		{"invalid score sign", func() (EditionHint, error) {
			return NewEditionHint(source, target, date, 40, wot.ScoreSign(0), 3)
		}},
		{"malformed source", func() (EditionHint, error) {
			return NewEditionHint("not-an-id", target, date, 40, wot.Trusted, 3)
		}},
		{"malformed target", func() (EditionHint, error) {
			return NewEditionHint(source, "not-an-id", date, 40, wot.Trusted, 3)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.fn()
			assert.Error(t, err)
		})
	}
}

func TestHintID_OnePerSourceTargetPair(t *testing.T) {
	date := time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)

	a := mustHint(t, testID(t, 0x01), testID(t, 0x02), date, 40, wot.Trusted, 3)
	b := mustHint(t, testID(t, 0x01), testID(t, 0x02), date.AddDate(0, 0, 1), 7, wot.Distrusted, 9)
	c := mustHint(t, testID(t, 0x02), testID(t, 0x01), date, 40, wot.Trusted, 3)

	assert.Equal(t, a.HintID(), b.HintID(), "same pair must share the natural key")
	assert.NotEqual(t, a.HintID(), c.HintID(), "reversed pair is a different key")
}

func TestPad_ObfuscateSelfInverse(t *testing.T) {
	pad, err := NewPad()
	require.NoError(t, err)

	for _, b := range []byte{0x00, 0x01, 0x7f, 0xff} {
		id := testID(t, b)
		masked, err := pad.ObfuscateID(id)
		require.NoError(t, err)

		unmasked, err := pad.ObfuscateID(masked)
		require.NoError(t, err)
		assert.Equal(t, id, unmasked, "obfuscation must be a self-inverse bijection")
	}
}

func TestPad_TooShortFailsLoudly(t *testing.T) {
	short := Pad(make([]byte, wot.RoutingKeyLength-1))

	_, err := short.Obfuscate(testID(t, 0x05))
	assert.Error(t, err)

	_, err = ComputeKey(mustHint(t, testID(t, 0x01), testID(t, 0x02),
		time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC), 40, wot.Trusted, 3), short)
	assert.Error(t, err)
}
