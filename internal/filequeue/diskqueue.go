package filequeue

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

const (
	queuedDir     = "queued"
	processingDir = "processing"
	tmpDir        = "tmp"
	statsFile     = "last-session-stats.json"

	fileSuffix = ".wotfile"

	// diskSizeBudget is the advisory total payload budget of the disk
	// queue.
	diskSizeBudget = 1 << 30
)

// DiskQueue is the persistent Queue. Every queued file lives as its own
// file under <dir>/queued/, named with a monotonic ULID so lexicographic
// directory order is FIFO order. Polling moves the file to
// <dir>/processing/; closing the handle deletes it. Files found in either
// directory at open time are leftovers of a crashed or terminated session
// and are re-queued without being re-counted as new enqueues.
type DiskQueue struct {
	dir         string
	maxFileSize int
	softLimit   int

	mu          sync.Mutex
	entries     []diskEntry // queued, FIFO order
	queued      map[string]struct{}
	perID       map[string]int
	stats       Statistics
	history     *ring[EnqueueEvent]
	handler     func()
	entropy     io.Reader
	lastSession *Statistics
	closed      bool
}

var _ Queue = (*DiskQueue)(nil)

type diskEntry struct {
	name     string
	identity wot.IdentityID
	edition  int64
}

// OpenDiskQueue opens or creates the queue directory and recovers any
// files a previous session left behind.
func OpenDiskQueue(dir string, maxFileSize int) (*DiskQueue, error) {
	if maxFileSize < 1 {
		return nil, fmt.Errorf("invalid max file size %d", maxFileSize)
	}
	for _, sub := range []string{queuedDir, processingDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("creating queue directory: %w", err)
		}
	}
	limit := diskSizeBudget / maxFileSize
	if limit < 1 {
		limit = 1
	}
	q := &DiskQueue{
		dir:         dir,
		maxFileSize: maxFileSize,
		softLimit:   limit,
		queued:      make(map[string]struct{}),
		perID:       make(map[string]int),
		history:     newRing[EnqueueEvent](enqueueHistoryCap),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	if err := q.recover(); err != nil {
		return nil, err
	}
	q.loadLastSessionStats()
	return q, nil
}

// recover moves crashed in-processing files back into the queued
// directory and rebuilds the index. Leftovers count into Queued and
// TotalQueued exactly once, via LeftoverFilesOfLastSession.
func (q *DiskQueue) recover() error {
	stale, err := os.ReadDir(filepath.Join(q.dir, processingDir))
	if err != nil {
		return fmt.Errorf("reading processing directory: %w", err)
	}
	for _, de := range stale {
		if de.IsDir() {
			continue
		}
		from := filepath.Join(q.dir, processingDir, de.Name())
		to := filepath.Join(q.dir, queuedDir, de.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("re-queueing interrupted file: %w", err)
		}
	}

	des, err := os.ReadDir(filepath.Join(q.dir, queuedDir))
	if err != nil {
		return fmt.Errorf("reading queued directory: %w", err)
	}
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		e, err := parseEntryName(de.Name())
		if err != nil {
			// Not ours. Leave it alone rather than guessing.
			continue
		}
		q.entries = append(q.entries, e)
		q.queued[dedupKey(e.identity, e.edition)] = struct{}{}
		q.perID[string(e.identity)]++
	}
	sort.Slice(q.entries, func(i, j int) bool { return q.entries[i].name < q.entries[j].name })

	leftover := len(q.entries)
	q.stats.Queued = leftover
	q.stats.TotalQueued = leftover
	q.stats.LeftoverFilesOfLastSession = leftover
	return nil
}

func (q *DiskQueue) loadLastSessionStats() {
	raw, err := os.ReadFile(filepath.Join(q.dir, statsFile))
	if err != nil {
		return
	}
	var s Statistics
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	q.lastSession = &s
}

func (q *DiskQueue) Add(f *IdentityFile) error {
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

	id := ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy)
	name := fmt.Sprintf("%s.%s.%d%s", id, f.Identity, f.Edition, fileSuffix)
	if err := q.writeFile(name, f); err != nil {
		q.stats.Failed++
		q.stats.TotalQueued++
		q.mu.Unlock()
		return fmt.Errorf("persisting identity file: %w", err)
	}

	q.entries = append(q.entries, diskEntry{name: name, identity: f.Identity, edition: f.Edition})
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

// writeFile persists the file under tmp/ and renames it into queued/ so a
// crash never leaves a half-written file in the scanned directory.
func (q *DiskQueue) writeFile(name string, f *IdentityFile) error {
	tmp := filepath.Join(q.dir, tmpDir, name)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := encodeFile(out, f); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Join(q.dir, queuedDir, name))
}

func (q *DiskQueue) Poll() (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		delete(q.queued, dedupKey(e.identity, e.edition))
		q.stats.Queued--

		src := filepath.Join(q.dir, queuedDir, e.name)
		dst := filepath.Join(q.dir, processingDir, e.name)
		f, err := q.takeFile(src, dst)
		if err != nil {
			// The file is unreadable; drop it and try the next one.
			q.stats.Failed++
			q.perID[string(e.identity)]--
			if q.perID[string(e.identity)] == 0 {
				delete(q.perID, string(e.identity))
			}
			os.Remove(src)
			os.Remove(dst)
			continue
		}
		f.Identity = e.identity
		f.Edition = e.edition
		q.stats.Processing++
		return &diskHandle{q: q, entry: e, f: f}, nil
	}
	return nil, nil
}

func (q *DiskQueue) takeFile(src, dst string) (*IdentityFile, error) {
	if err := os.Rename(src, dst); err != nil {
		return nil, err
	}
	in, err := os.Open(dst)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return decodeFile(in, q.maxFileSize)
}

func (q *DiskQueue) ContainsAnyEditionOf(id wot.IdentityID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perID[string(id)] > 0
}

func (q *DiskQueue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.EnqueueHistory = q.history.snapshot()
	return s
}

func (q *DiskQueue) StatisticsOfLastSession() (Statistics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastSession == nil {
		return Statistics{}, errors.New("no statistics of a previous session on disk")
	}
	return *q.lastSession, nil
}

func (q *DiskQueue) SizeSoftLimit() int { return q.softLimit }

func (q *DiskQueue) RegisterEventHandler(fn func()) error {
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

// Close persists the session statistics so the next session can report
// them. Queued files stay on disk and are recovered at the next open.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.handler = nil

	raw, err := json.MarshalIndent(q.stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session statistics: %w", err)
	}
	tmp := filepath.Join(q.dir, tmpDir, statsFile)
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("persisting session statistics: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, statsFile)); err != nil {
		return fmt.Errorf("persisting session statistics: %w", err)
	}
	return nil
}

type diskHandle struct {
	q      *DiskQueue
	entry  diskEntry
	f      *IdentityFile
	closed bool
}

func (h *diskHandle) File() *IdentityFile { return h.f }

func (h *diskHandle) Close() error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.q.perID[string(h.entry.identity)]--
	if h.q.perID[string(h.entry.identity)] == 0 {
		delete(h.q.perID, string(h.entry.identity))
	}
	h.q.stats.Processing--
	h.q.stats.Finished++
	if err := os.Remove(filepath.Join(h.q.dir, processingDir, h.entry.name)); err != nil {
		return fmt.Errorf("removing processed file: %w", err)
	}
	return nil
}

// DiskStats is a read-only snapshot of a disk queue directory. Unlike
// OpenDiskQueue it performs no recovery, so it is safe to call while
// another process owns the queue.
type DiskStats struct {
	// Queued and Processing count the files currently in each state.
	Queued     int `json:"queued"`
	Processing int `json:"processing"`

	// LastSession holds the statistics persisted by the last cleanly
	// closed session, if any.
	LastSession *Statistics `json:"last_session,omitempty"`
}

// ReadDiskStats inspects a disk queue directory without opening the queue.
func ReadDiskStats(dir string) (DiskStats, error) {
	var s DiskStats
	for _, sub := range []struct {
		name  string
		count *int
	}{
		{queuedDir, &s.Queued},
		{processingDir, &s.Processing},
	} {
		des, err := os.ReadDir(filepath.Join(dir, sub.name))
		if err != nil {
			return DiskStats{}, fmt.Errorf("reading queue directory: %w", err)
		}
		for _, de := range des {
			if _, err := parseEntryName(de.Name()); err == nil {
				*sub.count++
			}
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, statsFile))
	if err == nil {
		var last Statistics
		if err := json.Unmarshal(raw, &last); err == nil {
			s.LastSession = &last
		}
	}
	return s, nil
}

// parseEntryName recovers identity and edition from a queue filename of
// the form <ulid>.<identity>.<edition>.wotfile. The ULID and identity are
// fixed-width, so the dots inside neither can collide with the
// separators.
func parseEntryName(name string) (diskEntry, error) {
	if !strings.HasSuffix(name, fileSuffix) {
		return diskEntry{}, fmt.Errorf("unexpected file name %q", name)
	}
	parts := strings.Split(strings.TrimSuffix(name, fileSuffix), ".")
	if len(parts) != 3 || len(parts[0]) != ulid.EncodedSize {
		return diskEntry{}, fmt.Errorf("unexpected file name %q", name)
	}
	id, err := wot.ParseIdentityID(parts[1])
	if err != nil {
		return diskEntry{}, fmt.Errorf("unexpected file name %q: %w", name, err)
	}
	edition, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || edition < 0 {
		return diskEntry{}, fmt.Errorf("unexpected file name %q", name)
	}
	return diskEntry{name: name, identity: id, edition: edition}, nil
}

// File format: a 4-byte big-endian source-address length, the source
// address, then the payload until EOF.

func encodeFile(w io.Writer, f *IdentityFile) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(f.Source)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, f.Source); err != nil {
		return err
	}
	_, err := w.Write(f.Data)
	return err
}

func decodeFile(r io.Reader, maxSize int) (*IdentityFile, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading file header: %w", err)
	}
	srcLen := binary.BigEndian.Uint32(hdr[:])
	if srcLen > 4096 {
		return nil, fmt.Errorf("source address length %d is implausible", srcLen)
	}
	src := make([]byte, srcLen)
	if _, err := io.ReadFull(r, src); err != nil {
		return nil, fmt.Errorf("reading source address: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if len(data) == 0 || len(data) > maxSize {
		return nil, fmt.Errorf("payload of %d bytes is out of bounds", len(data))
	}
	return &IdentityFile{Data: data, Source: string(src)}, nil
}
