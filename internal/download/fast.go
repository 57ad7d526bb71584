package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xor-freenet/wotfetch/internal/config"
	"github.com/xor-freenet/wotfetch/internal/filequeue"
	"github.com/xor-freenet/wotfetch/internal/priority"
	"github.com/xor-freenet/wotfetch/internal/store"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// FastDownloader continuously polls the identities directly trusted by a
// locally-owned identity. The watched set is small and stable, so this path
// needs no ranking: one polling goroutine per watched identity at a steady
// interval.
//
// Eligibility changes arrive as persistent start/stop commands which a
// single background worker processes in delayed batches; the delay
// coalesces bursts of trust-list changes into one pass over the command
// table. Commands survive restarts, so eligibility decided just before a
// crash is not lost.
type FastDownloader struct {
	c     *Controller
	fetch wot.FetchService
	queue filequeue.Queue
	log   *slog.Logger

	pollInterval time.Duration
	batchDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	signal    chan struct{}
	immediate chan struct{}

	// watches and pendingReeval are only touched while the controller
	// mutex is held: inside callbacks and inside the worker's event lock
	// scope.
	watches       map[wot.IdentityID]*watch
	pendingReeval []wot.IdentityID

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ Downloader = (*FastDownloader)(nil)

type watch struct {
	id     wot.IdentityID
	next   atomic.Int64
	cancel context.CancelFunc
}

// NewFastDownloader builds the fast strategy. It must be registered with
// the controller before the controller starts.
func NewFastDownloader(c *Controller, fetch wot.FetchService, queue filequeue.Queue, cfg *config.Config) *FastDownloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &FastDownloader{
		c:            c,
		fetch:        fetch,
		queue:        queue,
		log:          c.baseLog.With("component", "download.fast"),
		pollInterval: cfg.FastPollInterval.Std(),
		batchDelay:   cfg.CommandProcessingDelay.Std(),
		ctx:          ctx,
		cancel:       cancel,
		signal:       make(chan struct{}, 1),
		immediate:    make(chan struct{}, 1),
		watches:      make(map[wot.IdentityID]*watch),
	}
}

// Start launches the command worker. The worker first rebuilds the watched
// set from the graph and drains commands persisted before the last
// shutdown.
func (d *FastDownloader) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Terminate aborts all polls and the command worker and waits for them.
func (d *FastDownloader) Terminate() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.log.Info("terminated", "watched", len(d.watches))
	})
}

func (d *FastDownloader) run() {
	defer d.wg.Done()

	if err := d.rebuild(); err != nil {
		d.log.Error("rebuilding watched set failed", "err", err)
	}
	d.processCommands()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.signal:
			t := time.NewTimer(d.batchDelay)
			select {
			case <-d.ctx.Done():
				t.Stop()
				return
			case <-d.immediate:
				t.Stop()
			case <-t.C:
			}
			d.processCommands()
		case <-d.immediate:
			d.processCommands()
		}
	}
}

// rebuild recreates one watch per directly-trusted fetchable identity.
// Runtime changes arrive through commands instead.
func (d *FastDownloader) rebuild() error {
	return d.c.WithEventLock(d.ctx, func(tx *store.Tx) error {
		for _, identity := range d.c.graph.FetchableIdentities() {
			if !d.directlyTrusted(identity.ID) {
				continue
			}
			d.startWatch(identity.ID, identity.NextEditionToFetch)
		}
		return nil
	})
}

// processCommands consumes the persisted command batch under the event
// lock. Start commands for identities that became ineligible in the
// meantime are dropped without starting anything.
func (d *FastDownloader) processCommands() {
	err := d.c.WithEventLock(d.ctx, func(tx *store.Tx) error {
		cmds, err := tx.Commands()
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			switch cmd.Op {
			case store.OpStart:
				if d.c.graph.ShouldFetch(cmd.Identity) {
					d.startWatch(cmd.Identity, cmd.Edition)
				}
			case store.OpStop:
				d.stopWatch(cmd.Identity)
			}
			if err := tx.DeleteCommand(cmd.Identity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !shutdownErr(err) {
		d.log.Error("processing commands failed", "err", err)
	}
}

// startWatch is called with the controller mutex held.
func (d *FastDownloader) startWatch(id wot.IdentityID, next int64) {
	if w, ok := d.watches[id]; ok {
		w.next.Store(next)
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	w := &watch{id: id, cancel: cancel}
	w.next.Store(next)
	d.watches[id] = w
	d.wg.Add(1)
	go d.poll(ctx, w)
	d.log.Debug("watching identity", "identity", id, "next_edition", next)
}

// stopWatch is called with the controller mutex held.
func (d *FastDownloader) stopWatch(id wot.IdentityID) {
	w, ok := d.watches[id]
	if !ok {
		return
	}
	w.cancel()
	delete(d.watches, id)
	d.log.Debug("stopped watching identity", "identity", id)
}

// poll is one watch's fetch loop. It holds no lock: a successful fetch
// only touches the file queue, and bookkeeping advances when the edition
// is applied.
func (d *FastDownloader) poll(ctx context.Context, w *watch) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		d.pollOnce(ctx, w)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *FastDownloader) pollOnce(ctx context.Context, w *watch) {
	if d.queue.ContainsAnyEditionOf(w.id) {
		// The previous fetch is still waiting to be applied.
		return
	}
	edition := w.next.Load()
	res, err := d.fetch.Fetch(ctx, w.id, edition)
	if err != nil {
		d.log.Debug("poll found nothing", "identity", w.id, "edition", edition, "err", err)
		return
	}
	err = d.queue.Add(&filequeue.IdentityFile{
		Identity: res.Identity,
		Edition:  res.Edition,
		Data:     res.Data,
		Source:   res.Source,
	})
	if err != nil {
		d.log.Warn("enqueueing polled edition failed", "identity", w.id, "edition", res.Edition, "err", err)
	}
}

func (d *FastDownloader) scheduleProcessing() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *FastDownloader) OnStartFetch(tx *store.Tx, identity wot.Identity) error {
	if !d.directlyTrusted(identity.ID) {
		return nil
	}
	err := tx.PutCommand(store.FetchCommand{
		Identity: identity.ID,
		Op:       store.OpStart,
		Edition:  identity.NextEditionToFetch,
	})
	if err != nil {
		return err
	}
	d.scheduleProcessing()
	return nil
}

func (d *FastDownloader) OnAbortFetch(tx *store.Tx, id wot.IdentityID) error {
	return d.abort(tx, id)
}

// abort implements ineligibility: an unprocessed start command is removed
// outright since nothing was started yet; a running watch gets a stop
// command.
func (d *FastDownloader) abort(tx *store.Tx, id wot.IdentityID) error {
	cmd, err := tx.Command(id)
	switch {
	case err == nil && cmd.Op == store.OpStart:
		return tx.DeleteCommand(id)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	if _, ok := d.watches[id]; !ok {
		return nil
	}
	if err := tx.PutCommand(store.FetchCommand{Identity: id, Op: store.OpStop}); err != nil {
		return err
	}
	d.scheduleProcessing()
	return nil
}

func (d *FastDownloader) OnOwnTrustChanged(tx *store.Tx, old, new *wot.Trust) error {
	gained := new != nil && new.IsPositive() && (old == nil || !old.IsPositive())
	lost := old != nil && old.IsPositive() && (new == nil || !new.IsPositive())
	switch {
	case gained:
		if !d.c.graph.ShouldFetch(new.Trustee) {
			return nil
		}
		identity, ok := d.c.graph.Identity(new.Trustee)
		if !ok {
			return nil
		}
		return d.OnStartFetch(tx, identity)
	case lost:
		// Another locally-owned identity may still trust it directly.
		if d.directlyTrusted(old.Trustee) {
			return nil
		}
		return d.abort(tx, old.Trustee)
	}
	return nil
}

// OnNewEditionHint is the slow downloader's concern; direct trustees are
// polled regardless of hints.
func (d *FastDownloader) OnNewEditionHint(*store.Tx, priority.EditionHint) error { return nil }

func (d *FastDownloader) OnEditionApplied(tx *store.Tx, identity wot.Identity) error {
	if w, ok := d.watches[identity.ID]; ok {
		w.next.Store(identity.NextEditionToFetch)
	}
	return nil
}

func (d *FastDownloader) OnPreDeleteIdentity(tx *store.Tx, id wot.IdentityID) error {
	if err := tx.DeleteCommand(id); err != nil {
		return err
	}
	d.stopWatch(id)
	return nil
}

func (d *FastDownloader) OnPostDeleteIdentity(*store.Tx, wot.IdentityID) error { return nil }

// OnPreDeleteLocalIdentity records the trustees whose eligibility depended
// on the identity about to go away.
func (d *FastDownloader) OnPreDeleteLocalIdentity(tx *store.Tx, id wot.IdentityID) error {
	for _, tr := range d.c.graph.DirectTrusts() {
		if tr.Truster == id {
			d.pendingReeval = append(d.pendingReeval, tr.Trustee)
		}
	}
	if err := tx.DeleteCommand(id); err != nil {
		return err
	}
	d.stopWatch(id)
	return nil
}

// OnPostDeleteLocalIdentity re-evaluates the recorded trustees against all
// their remaining trust relationships, not just the deleted one.
func (d *FastDownloader) OnPostDeleteLocalIdentity(tx *store.Tx, id wot.IdentityID) error {
	pending := d.pendingReeval
	d.pendingReeval = nil
	for _, trustee := range pending {
		if d.c.graph.ShouldFetch(trustee) && d.directlyTrusted(trustee) {
			continue
		}
		if err := d.abort(tx, trustee); err != nil {
			return err
		}
	}
	return nil
}

func (d *FastDownloader) OnPreRestoreLocalIdentity(*store.Tx, wot.Identity) error { return nil }

// OnPostRestoreLocalIdentity resumes fetching the restored identity's own
// editions at NextEditionToFetch rather than restarting from zero.
func (d *FastDownloader) OnPostRestoreLocalIdentity(tx *store.Tx, identity wot.Identity) error {
	err := tx.PutCommand(store.FetchCommand{
		Identity: identity.ID,
		Op:       store.OpStart,
		Edition:  identity.NextEditionToFetch,
	})
	if err != nil {
		return err
	}
	d.scheduleProcessing()
	return nil
}

func (d *FastDownloader) WouldFetch(id wot.IdentityID) bool {
	if _, ok := d.watches[id]; ok {
		return true
	}
	var would bool
	_ = d.c.st.View(context.Background(), func(tx *store.Tx) error {
		cmd, err := tx.Command(id)
		would = err == nil && cmd.Op == store.OpStart
		return nil
	})
	return would
}

func (d *FastDownloader) DeleteAllCommands(tx *store.Tx) error {
	return tx.DeleteAllCommands()
}

func (d *FastDownloader) ProcessCommandsNow() {
	select {
	case d.immediate <- struct{}{}:
	default:
	}
}

// directlyTrusted reports whether any locally-owned identity gives the
// identity a positive trust value. Called under the graph lock.
func (d *FastDownloader) directlyTrusted(id wot.IdentityID) bool {
	for _, tr := range d.c.graph.DirectTrusts() {
		if tr.Trustee == id && tr.IsPositive() {
			return true
		}
	}
	return false
}
