package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xor-freenet/wotfetch/internal/config"
	"github.com/xor-freenet/wotfetch/internal/filequeue"
	"github.com/xor-freenet/wotfetch/internal/priority"
	"github.com/xor-freenet/wotfetch/internal/store"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// SlowDownloader fetches editions of indirectly-trusted identities, one at
// a time, in priority key order. Hints live in the store, not in memory, so
// an unbounded number of low-priority hints costs no RAM.
//
// The worker picks the highest-priority hint under the event lock, then
// fetches with no lock held. A failed fetch discards the hint (it may be a
// lie by its source) and falls through to the next-highest one.
type SlowDownloader struct {
	c     *Controller
	fetch wot.FetchService
	queue filequeue.Queue
	log   *slog.Logger

	minCapacity int
	retryDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	signal chan struct{}

	// pendingReeval is only touched while the controller mutex is held.
	pendingReeval []wot.IdentityID

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ Downloader = (*SlowDownloader)(nil)

// NewSlowDownloader builds the slow strategy. It must be registered with
// the controller before the controller starts.
func NewSlowDownloader(c *Controller, fetch wot.FetchService, queue filequeue.Queue, cfg *config.Config) *SlowDownloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &SlowDownloader{
		c:           c,
		fetch:       fetch,
		queue:       queue,
		log:         c.baseLog.With("component", "download.slow"),
		minCapacity: cfg.MinHintCapacity,
		retryDelay:  cfg.SlowRetryDelay.Std(),
		ctx:         ctx,
		cancel:      cancel,
		signal:      make(chan struct{}, 1),
	}
}

func (d *SlowDownloader) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

func (d *SlowDownloader) Terminate() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.log.Info("terminated")
	})
}

func (d *SlowDownloader) run() {
	defer d.wg.Done()
	d.wake() // hints may have survived the last session
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.signal:
		}
		d.drain()
	}
}

// drain works through pending hints, best first, until the store has no
// viable hint left or the queue backlog tells us to back off.
func (d *SlowDownloader) drain() {
	for {
		if d.ctx.Err() != nil {
			return
		}
		if s := d.queue.Statistics(); s.Queued >= d.queue.SizeSoftLimit() {
			// The parser is behind; edition-applied will wake us.
			d.log.Debug("queue backlog at soft limit, pausing", "queued", s.Queued)
			return
		}
		h, ok := d.pickHint()
		if !ok {
			return
		}

		// A time-ordered token correlates the log lines of one attempt.
		attempt := uuid.Must(uuid.NewV7()).String()
		d.log.Debug("fetching hinted edition", "attempt", attempt,
			"source", h.Source, "target", h.Target, "edition", h.Edition)

		// Network I/O with no lock held.
		res, err := d.fetch.Fetch(d.ctx, h.Target, h.Edition)
		if err != nil {
			d.log.Debug("hint fetch failed, discarding hint",
				"attempt", attempt, "err", err)
			d.discard(h)
			d.sleepRetry()
			continue
		}

		err = d.queue.Add(&filequeue.IdentityFile{
			Identity: res.Identity,
			Edition:  res.Edition,
			Data:     res.Data,
			Source:   res.Source,
		})
		if err != nil {
			d.log.Warn("enqueueing fetched edition failed",
				"attempt", attempt, "err", err)
		}
		d.discard(h)
	}
}

// pickHint pops the best viable hint under the event lock. Hints whose
// target became ineligible, unknown or already fetched since the hint was
// stored are deleted on the way.
func (d *SlowDownloader) pickHint() (priority.EditionHint, bool) {
	var picked priority.EditionHint
	var found bool
	err := d.c.WithEventLock(d.ctx, func(tx *store.Tx) error {
		var dead []priority.EditionHint
		err := tx.ForEachHint(func(h priority.EditionHint, _ priority.Key) error {
			if !d.viable(h) {
				dead = append(dead, h)
				return nil
			}
			if d.queue.ContainsAnyEditionOf(h.Target) {
				// An earlier fetch of this target awaits processing;
				// keep the hint and look further down.
				return nil
			}
			picked, found = h, true
			return errHintPicked
		})
		if err != nil && !errors.Is(err, errHintPicked) {
			return err
		}
		for _, h := range dead {
			if err := tx.DeleteHint(h.Source, h.Target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !shutdownErr(err) {
			d.log.Error("picking next hint failed", "err", err)
		}
		return priority.EditionHint{}, false
	}
	return picked, found
}

// errHintPicked stops the hint iteration early once a candidate is found.
var errHintPicked = errors.New("hint picked")

// viable re-checks a stored hint against the graph's current state. Called
// under the graph lock.
func (d *SlowDownloader) viable(h priority.EditionHint) bool {
	if !d.c.graph.ShouldFetch(h.Target) {
		return false
	}
	if identity, ok := d.c.graph.Identity(h.Target); ok && h.Edition <= identity.LastFetchedEdition {
		return false
	}
	return true
}

// discard removes a consumed or disproved hint.
func (d *SlowDownloader) discard(h priority.EditionHint) {
	err := d.c.WithEventLock(d.ctx, func(tx *store.Tx) error {
		return tx.DeleteHint(h.Source, h.Target)
	})
	if err != nil && !shutdownErr(err) {
		d.log.Error("discarding hint failed", "source", h.Source, "target", h.Target, "err", err)
	}
}

func (d *SlowDownloader) sleepRetry() {
	t := time.NewTimer(d.retryDelay)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
	case <-t.C:
	}
}

func (d *SlowDownloader) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// OnStartFetch only wakes the worker: hints for the now-eligible target may
// already be stored.
func (d *SlowDownloader) OnStartFetch(tx *store.Tx, identity wot.Identity) error {
	d.wake()
	return nil
}

// OnAbortFetch drops all hints targeting the now-ineligible identity.
func (d *SlowDownloader) OnAbortFetch(tx *store.Tx, id wot.IdentityID) error {
	return tx.DeleteHintsByTarget(id)
}

func (d *SlowDownloader) OnOwnTrustChanged(tx *store.Tx, old, new *wot.Trust) error {
	d.wake()
	return nil
}

// OnNewEditionHint validates and stores a hint. Stale hints and hints from
// low-capacity or non-fetchable contexts are silently discarded; this is
// the bound on a malicious source's influence.
func (d *SlowDownloader) OnNewEditionHint(tx *store.Tx, h priority.EditionHint) error {
	if h.Capacity < d.minCapacity {
		d.log.Debug("ignoring hint below capacity floor",
			"source", h.Source, "capacity", h.Capacity, "floor", d.minCapacity)
		return nil
	}
	if !d.c.graph.ShouldFetch(h.Target) {
		return nil
	}
	if identity, ok := d.c.graph.Identity(h.Target); ok && h.Edition <= identity.LastFetchedEdition {
		// Obsolete: we already have this edition or a later one.
		return nil
	}
	key, err := priority.ComputeKey(h, d.c.st.Pad())
	if err != nil {
		return err
	}
	if err := tx.PutHint(h, key); err != nil {
		return err
	}
	d.wake()
	return nil
}

// OnEditionApplied purges hints the applied edition made obsolete.
func (d *SlowDownloader) OnEditionApplied(tx *store.Tx, identity wot.Identity) error {
	if err := tx.DeleteHintsUpTo(identity.ID, identity.LastFetchedEdition); err != nil {
		return err
	}
	d.wake()
	return nil
}

// OnPreDeleteIdentity strips every hint the identity provided or was the
// target of, remembering the targets it vouched for.
func (d *SlowDownloader) OnPreDeleteIdentity(tx *store.Tx, id wot.IdentityID) error {
	targets, err := tx.DeleteHintsBySource(id)
	if err != nil {
		return err
	}
	d.pendingReeval = append(d.pendingReeval, targets...)
	return tx.DeleteHintsByTarget(id)
}

// OnPostDeleteIdentity re-evaluates the targets the deleted identity
// vouched for. A target with no remaining eligible path gets a stop
// command, which the fast downloader consumes.
func (d *SlowDownloader) OnPostDeleteIdentity(tx *store.Tx, id wot.IdentityID) error {
	pending := d.pendingReeval
	d.pendingReeval = nil
	for _, target := range pending {
		if d.c.graph.ShouldFetch(target) {
			continue
		}
		err := tx.PutCommand(store.FetchCommand{Identity: target, Op: store.OpStop})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *SlowDownloader) OnPreDeleteLocalIdentity(tx *store.Tx, id wot.IdentityID) error {
	return d.OnPreDeleteIdentity(tx, id)
}

func (d *SlowDownloader) OnPostDeleteLocalIdentity(tx *store.Tx, id wot.IdentityID) error {
	return d.OnPostDeleteIdentity(tx, id)
}

func (d *SlowDownloader) OnPreRestoreLocalIdentity(tx *store.Tx, identity wot.Identity) error {
	return nil
}

// OnPostRestoreLocalIdentity only wakes the worker; the fast downloader
// owns resuming the restored identity itself.
func (d *SlowDownloader) OnPostRestoreLocalIdentity(tx *store.Tx, identity wot.Identity) error {
	d.wake()
	return nil
}

// WouldFetch reports whether a viable hint for the identity is stored.
func (d *SlowDownloader) WouldFetch(id wot.IdentityID) bool {
	if !d.c.graph.ShouldFetch(id) {
		return false
	}
	var would bool
	_ = d.c.st.View(context.Background(), func(tx *store.Tx) error {
		hints, err := tx.HintsByTarget(id)
		would = err == nil && len(hints) > 0
		return nil
	})
	return would
}

func (d *SlowDownloader) DeleteAllCommands(tx *store.Tx) error {
	return tx.DeleteAllHints()
}

func (d *SlowDownloader) ProcessCommandsNow() {
	d.wake()
}
