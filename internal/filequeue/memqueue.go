package filequeue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

// memSizeBudget is the advisory total payload budget of the in-memory
// queue. SizeSoftLimit is derived from it and the per-file cap.
const memSizeBudget = 128 << 20

// MemQueue is the non-persistent Queue. Files are held in memory and lost
// on restart; it exists for tests and short-lived tooling where crash
// recovery does not matter.
type MemQueue struct {
	maxFileSize int
	softLimit   int

	mu         sync.Mutex
	files      []*IdentityFile
	queued     map[string]struct{} // dedupKey of queued files
	perID      map[string]int      // queued or processing files per identity
	stats      Statistics
	history    *ring[EnqueueEvent]
	handler    func()
	closed     bool
}

var _ Queue = (*MemQueue)(nil)

// NewMemQueue returns an empty in-memory queue accepting files up to
// maxFileSize bytes.
func NewMemQueue(maxFileSize int) *MemQueue {
	if maxFileSize < 1 {
		maxFileSize = 1
	}
	limit := memSizeBudget / maxFileSize
	if limit < 1 {
		limit = 1
	}
	return &MemQueue{
		maxFileSize: maxFileSize,
		softLimit:   limit,
		queued:      make(map[string]struct{}),
		perID:       make(map[string]int),
		history:     newRing[EnqueueEvent](enqueueHistoryCap),
	}
}

func (q *MemQueue) Add(f *IdentityFile) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue is closed")
	}
	if err := validate(f, q.maxFileSize); err != nil {
		q.stats.Failed++
		q.stats.TotalQueued++
		q.mu.Unlock()
		return fmt.Errorf("rejecting identity file: %w", err)
	}
	key := dedupKey(f.Identity, f.Edition)
	if _, dup := q.queued[key]; dup {
		q.stats.Deduplicated++
		q.stats.TotalQueued++
		q.mu.Unlock()
		return nil
	}
	clone := *f
	q.files = append(q.files, &clone)
	q.queued[key] = struct{}{}
	q.perID[string(f.Identity)]++
	q.stats.Queued++
	q.stats.TotalQueued++
	q.history.push(EnqueueEvent{Time: time.Now(), Total: q.stats.TotalQueued})
	handler := q.handler
	q.mu.Unlock()

	if handler != nil {
		handler()
	}
	return nil
}

func (q *MemQueue) Poll() (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.files) == 0 {
		return nil, nil
	}
	f := q.files[0]
	q.files = q.files[1:]
	delete(q.queued, dedupKey(f.Identity, f.Edition))
	q.stats.Queued--
	q.stats.Processing++
	return &memHandle{q: q, f: f}, nil
}

func (q *MemQueue) ContainsAnyEditionOf(id wot.IdentityID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perID[string(id)] > 0
}

func (q *MemQueue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.EnqueueHistory = q.history.snapshot()
	return s
}

// StatisticsOfLastSession always fails: nothing survives a restart of the
// in-memory queue.
func (q *MemQueue) StatisticsOfLastSession() (Statistics, error) {
	return Statistics{}, errors.New("the in-memory queue keeps no statistics across sessions")
}

func (q *MemQueue) SizeSoftLimit() int { return q.softLimit }

func (q *MemQueue) RegisterEventHandler(fn func()) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return ErrHandlerRegistered
	}
	q.handler = fn
	backlog := q.stats.Queued > 0
	q.mu.Unlock()

	if backlog {
		fn()
	}
	return nil
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.files = nil
	q.handler = nil
	return nil
}

type memHandle struct {
	q      *MemQueue
	f      *IdentityFile
	closed bool
}

func (h *memHandle) File() *IdentityFile { return h.f }

func (h *memHandle) Close() error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.q.perID[string(h.f.Identity)]--
	if h.q.perID[string(h.f.Identity)] == 0 {
		delete(h.q.perID, string(h.f.Identity))
	}
	h.q.stats.Processing--
	h.q.stats.Finished++
	return nil
}
