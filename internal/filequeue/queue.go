// Package filequeue buffers fetched identity files between "the network
// fetch completed" and "the parser durably applied the content".
//
// The queue is the crash-safety boundary of the downloader: an edition only
// counts as fetched once it has been applied, so losing queued-but-
// unprocessed files is always equivalent to "not yet fetched", never to
// silent data loss. The disk implementation survives restarts; the memory
// implementation is for short-lived test runs.
package filequeue

import (
	"errors"
	"fmt"
	"time"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

// IdentityFile is one fetched edition awaiting processing.
type IdentityFile struct {
	Identity wot.IdentityID
	Edition  int64

	// Data is the raw fetched document.
	Data []byte

	// Source is the network address the file came from, for diagnostics.
	Source string
}

// Handle is exclusive ownership of a polled file. The item counts as
// "being processed" until Close is called; ContainsAnyEditionOf keeps
// returning true for its identity during that window so downloaders do not
// race a redundant re-fetch.
type Handle interface {
	File() *IdentityFile

	// Close releases the underlying resources and ends the processing
	// window. Idempotent.
	Close() error
}

// Queue is the hand-off buffer contract shared by the disk and memory
// implementations.
type Queue interface {
	// Add enqueues a file. A file failing well-formedness checks is
	// dropped and counted as failed; the error reports why but must not
	// stall the caller's processing of other files. A file duplicating a
	// queued (identity, edition) is dropped silently and counted as
	// deduplicated.
	Add(f *IdentityFile) error

	// Poll dequeues the oldest file. Returns (nil, nil) when drained.
	Poll() (Handle, error)

	// ContainsAnyEditionOf reports whether a file of the identity is
	// queued or currently being processed.
	ContainsAnyEditionOf(id wot.IdentityID) bool

	// Statistics returns a snapshot of the queue's counters.
	Statistics() Statistics

	// StatisticsOfLastSession returns the counters persisted by the
	// previous session. Implementations without persistence return an
	// error.
	StatisticsOfLastSession() (Statistics, error)

	// SizeSoftLimit is the advisory backlog bound: when Statistics().Queued
	// exceeds it, downloaders should stop starting new fetches until the
	// processor catches up.
	SizeSoftLimit() int

	// RegisterEventHandler installs the single processing trigger. It
	// fires on every Add, and immediately at registration if a backlog
	// already exists (files may be enqueued before the processor starts).
	RegisterEventHandler(fn func()) error

	// Close releases the queue. For the disk implementation it also
	// persists the session statistics.
	Close() error
}

// ErrHandlerRegistered is returned when a second event handler is installed.
var ErrHandlerRegistered = errors.New("an event handler is already registered")

// EnqueueEvent is one point of the throughput history: how many files had
// been enqueued in this session as of Time.
type EnqueueEvent struct {
	Time  time.Time
	Total int
}

// enqueueHistoryCap bounds the throughput history. At one event per
// enqueue this covers well over a day of typical traffic.
const enqueueHistoryCap = 4096

// Statistics are the queue's diagnostic counters.
//
// Invariant: TotalQueued == Queued + Processing + Finished + Failed +
// Deduplicated. Counters are per-lifetime of the backing storage: the disk
// queue carries leftover files of earlier sessions in Queued and
// TotalQueued (via LeftoverFilesOfLastSession) without double-counting
// them as new enqueues.
type Statistics struct {
	// Queued files are waiting to be polled.
	Queued int `json:"queued"`
	// Processing files have been polled but their handle is not closed yet.
	Processing int `json:"processing"`
	// Finished files were processed completely.
	Finished int `json:"finished"`
	// Failed files were rejected by well-formedness checks or lost to I/O
	// errors.
	Failed int `json:"failed"`
	// Deduplicated files were dropped because the same (identity, edition)
	// was already queued.
	Deduplicated int `json:"deduplicated"`
	// TotalQueued counts everything that ever entered the queue,
	// including leftovers recovered from the previous session.
	TotalQueued int `json:"total_queued"`
	// LeftoverFilesOfLastSession is how many files were recovered from
	// disk at open time.
	LeftoverFilesOfLastSession int `json:"leftover_files_of_last_session"`

	// EnqueueHistory is a bounded, timestamped record of enqueue events of
	// this session, for throughput charting.
	EnqueueHistory []EnqueueEvent `json:"-"`
}

// CheckConsistency verifies the counter invariant.
func (s Statistics) CheckConsistency() error {
	sum := s.Queued + s.Processing + s.Finished + s.Failed + s.Deduplicated
	if sum != s.TotalQueued {
		return fmt.Errorf(
			"queue statistics inconsistent: queued %d + processing %d + finished %d + failed %d + deduplicated %d != total %d",
			s.Queued, s.Processing, s.Finished, s.Failed, s.Deduplicated, s.TotalQueued)
	}
	if s.Queued < 0 || s.Processing < 0 || s.Finished < 0 || s.Failed < 0 ||
		s.Deduplicated < 0 || s.LeftoverFilesOfLastSession < 0 {
		return fmt.Errorf("queue statistics contain a negative counter: %+v", s)
	}
	return nil
}

// validate applies the well-formedness checks shared by both
// implementations. maxSize caps the payload.
func validate(f *IdentityFile, maxSize int) error {
	if f == nil {
		return errors.New("nil identity file")
	}
	if !f.Identity.Valid() {
		return fmt.Errorf("identity file has invalid identity ID %q", f.Identity)
	}
	if f.Edition < 0 {
		return fmt.Errorf("identity file has negative edition %d", f.Edition)
	}
	if len(f.Data) == 0 {
		return errors.New("identity file has empty payload")
	}
	if len(f.Data) > maxSize {
		return fmt.Errorf("identity file payload of %d bytes exceeds limit %d", len(f.Data), maxSize)
	}
	return nil
}

// dedupKey identifies a queued (identity, edition) pair.
func dedupKey(id wot.IdentityID, edition int64) string {
	return fmt.Sprintf("%s@%d", id, edition)
}
