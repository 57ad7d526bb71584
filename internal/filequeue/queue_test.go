package filequeue

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

const testMaxFileSize = 1 << 16

func testID(t *testing.T, b byte) wot.IdentityID {
	t.Helper()
	raw := bytes.Repeat([]byte{b}, wot.RoutingKeyLength)
	id, err := wot.IdentityIDFromBytes(raw)
	require.NoError(t, err)
	return id
}

func testFile(t *testing.T, b byte, edition int64) *IdentityFile {
	t.Helper()
	return &IdentityFile{
		Identity: testID(t, b),
		Edition:  edition,
		Data:     []byte("<identity/>"),
		Source:   "USK@test/WebOfTrust/0",
	}
}

// both runs a subtest against each queue implementation.
func both(t *testing.T, run func(t *testing.T, q Queue)) {
	t.Run("mem", func(t *testing.T) {
		q := NewMemQueue(testMaxFileSize)
		t.Cleanup(func() { q.Close() })
		run(t, q)
	})
	t.Run("disk", func(t *testing.T) {
		q, err := OpenDiskQueue(t.TempDir(), testMaxFileSize)
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		run(t, q)
	})
}

func TestQueue_FIFOOrder(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		require.NoError(t, q.Add(testFile(t, 1, 10)))
		require.NoError(t, q.Add(testFile(t, 2, 20)))
		require.NoError(t, q.Add(testFile(t, 3, 30)))

		for _, want := range []int64{10, 20, 30} {
			h, err := q.Poll()
			require.NoError(t, err)
			require.NotNil(t, h)
			assert.Equal(t, want, h.File().Edition)
			require.NoError(t, h.Close())
		}

		h, err := q.Poll()
		require.NoError(t, err)
		assert.Nil(t, h, "drained queue must return nil")

		s := q.Statistics()
		assert.Equal(t, 3, s.Finished)
		assert.Equal(t, 3, s.TotalQueued)
		require.NoError(t, s.CheckConsistency())
	})
}

func TestQueue_DeduplicatesQueuedEdition(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		require.NoError(t, q.Add(testFile(t, 1, 10)))
		require.NoError(t, q.Add(testFile(t, 1, 10)), "duplicate must be dropped silently")
		// A different edition of the same identity is not a duplicate.
		require.NoError(t, q.Add(testFile(t, 1, 11)))

		s := q.Statistics()
		assert.Equal(t, 2, s.Queued)
		assert.Equal(t, 1, s.Deduplicated)
		require.NoError(t, s.CheckConsistency())

		// Deduplication ends once the file leaves the queued state.
		h, err := q.Poll()
		require.NoError(t, err)
		require.NoError(t, q.Add(testFile(t, 1, 10)))
		require.NoError(t, h.Close())

		s = q.Statistics()
		assert.Equal(t, 1, s.Deduplicated)
		require.NoError(t, s.CheckConsistency())
	})
}

func TestQueue_RejectsMalformedFiles(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		bad := []*IdentityFile{
			{Identity: "not-an-id", Edition: 1, Data: []byte("x")},
			{Identity: testID(t, 1), Edition: -1, Data: []byte("x")},
			{Identity: testID(t, 1), Edition: 1},
			{Identity: testID(t, 1), Edition: 1, Data: bytes.Repeat([]byte("x"), testMaxFileSize+1)},
		}
		for _, f := range bad {
			assert.Error(t, q.Add(f))
		}

		s := q.Statistics()
		assert.Equal(t, len(bad), s.Failed)
		assert.Equal(t, 0, s.Queued)
		require.NoError(t, s.CheckConsistency())
	})
}

func TestQueue_ContainsAnyEditionOfCoversProcessing(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		id := testID(t, 1)
		assert.False(t, q.ContainsAnyEditionOf(id))

		require.NoError(t, q.Add(testFile(t, 1, 10)))
		assert.True(t, q.ContainsAnyEditionOf(id))

		h, err := q.Poll()
		require.NoError(t, err)
		assert.True(t, q.ContainsAnyEditionOf(id), "in-processing file must still count")

		require.NoError(t, h.Close())
		assert.False(t, q.ContainsAnyEditionOf(id))
	})
}

func TestQueue_EventHandler(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		var fired int
		require.NoError(t, q.RegisterEventHandler(func() { fired++ }))
		assert.Equal(t, 0, fired, "no backlog at registration")

		require.NoError(t, q.Add(testFile(t, 1, 10)))
		require.NoError(t, q.Add(testFile(t, 2, 20)))
		assert.Equal(t, 2, fired)

		assert.ErrorIs(t, q.RegisterEventHandler(func() {}), ErrHandlerRegistered)
	})
}

func TestQueue_EventHandlerFiresOnExistingBacklog(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		require.NoError(t, q.Add(testFile(t, 1, 10)))

		var fired int
		require.NoError(t, q.RegisterEventHandler(func() { fired++ }))
		assert.Equal(t, 1, fired, "registration must trigger on a pre-existing backlog")
	})
}

func TestQueue_EnqueueHistory(t *testing.T) {
	both(t, func(t *testing.T, q Queue) {
		require.NoError(t, q.Add(testFile(t, 1, 10)))
		require.NoError(t, q.Add(testFile(t, 2, 20)))

		h := q.Statistics().EnqueueHistory
		require.Len(t, h, 2)
		assert.Equal(t, 1, h[0].Total)
		assert.Equal(t, 2, h[1].Total)
		assert.False(t, h[1].Time.Before(h[0].Time))
	})
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.snapshot())
	assert.Equal(t, 3, r.len())
}

func TestDiskQueue_SurvivesCrash(t *testing.T) {
	dir := t.TempDir()

	q, err := OpenDiskQueue(dir, testMaxFileSize)
	require.NoError(t, err)
	require.NoError(t, q.Add(testFile(t, 1, 10)))
	require.NoError(t, q.Add(testFile(t, 2, 20)))

	// Poll one file but never close its handle: the session dies with the
	// file in processing state.
	h, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, h)
	// No q.Close() either: simulate an abrupt termination.

	q2, err := OpenDiskQueue(dir, testMaxFileSize)
	require.NoError(t, err)
	t.Cleanup(func() { q2.Close() })

	s := q2.Statistics()
	assert.Equal(t, 2, s.Queued, "both the queued and the interrupted file must be recovered")
	assert.Equal(t, 2, s.LeftoverFilesOfLastSession)
	assert.Equal(t, 2, s.TotalQueued, "leftovers must not be re-counted as new enqueues")
	require.NoError(t, s.CheckConsistency())

	// The interrupted file keeps its original position in the order.
	first, err := q2.Poll()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(10), first.File().Edition)
	assert.Equal(t, testID(t, 1), first.File().Identity)
	assert.Equal(t, []byte("<identity/>"), first.File().Data)
	require.NoError(t, first.Close())

	second, err := q2.Poll()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, int64(20), second.File().Edition)
	require.NoError(t, second.Close())
}

func TestDiskQueue_StatisticsOfLastSession(t *testing.T) {
	dir := t.TempDir()

	q, err := OpenDiskQueue(dir, testMaxFileSize)
	require.NoError(t, err)
	_, err = q.StatisticsOfLastSession()
	assert.Error(t, err, "fresh directory has no previous session")

	require.NoError(t, q.Add(testFile(t, 1, 10)))
	h, err := q.Poll()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, q.Close())

	q2, err := OpenDiskQueue(dir, testMaxFileSize)
	require.NoError(t, err)
	t.Cleanup(func() { q2.Close() })

	last, err := q2.StatisticsOfLastSession()
	require.NoError(t, err)
	assert.Equal(t, 1, last.Finished)
	assert.Equal(t, 1, last.TotalQueued)
}

func TestDiskQueue_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenDiskQueue(dir, testMaxFileSize)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	require.NoError(t,
		os.WriteFile(filepath.Join(dir, "queued", "README.txt"), []byte("hands off"), 0o600))

	q2, err := OpenDiskQueue(dir, testMaxFileSize)
	require.NoError(t, err)
	t.Cleanup(func() { q2.Close() })
	assert.Equal(t, 0, q2.Statistics().Queued)
}

func TestMemQueue_NoStatisticsAcrossSessions(t *testing.T) {
	q := NewMemQueue(testMaxFileSize)
	t.Cleanup(func() { q.Close() })
	_, err := q.StatisticsOfLastSession()
	assert.Error(t, err)
}

func TestStatistics_CheckConsistency(t *testing.T) {
	ok := Statistics{Queued: 1, Processing: 1, Finished: 2, Failed: 1, Deduplicated: 1, TotalQueued: 6}
	assert.NoError(t, ok.CheckConsistency())

	bad := ok
	bad.TotalQueued = 7
	assert.Error(t, bad.CheckConsistency())

	negative := Statistics{Queued: -1, TotalQueued: -1}
	assert.Error(t, negative.CheckConsistency())
}
