package download

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xor-freenet/wotfetch/internal/filequeue"
	"github.com/xor-freenet/wotfetch/internal/store"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// Processor drains the file queue and applies each fetched edition to the
// graph. Applying and the edition-applied fan-out happen in one event lock
// scope, so "last fetched edition" only ever advances together with the
// hint and command cleanup it implies.
//
// An apply failure is logged and counted, never fatal: one bad file must
// not stall the queue.
type Processor struct {
	c       *Controller
	queue   filequeue.Queue
	applier wot.EditionApplier
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	signal chan struct{}

	failed atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewProcessor builds the queue processor.
func NewProcessor(c *Controller, queue filequeue.Queue, applier wot.EditionApplier) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		c:       c,
		queue:   queue,
		applier: applier,
		log:     c.baseLog.With("component", "download.processor"),
		ctx:     ctx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
	}
}

// Start registers for queue events and launches the drain loop. If files
// are already queued, the registration itself triggers a first pass.
func (p *Processor) Start() error {
	var err error
	p.startOnce.Do(func() {
		err = p.queue.RegisterEventHandler(p.wake)
		if err != nil {
			return
		}
		p.wg.Add(1)
		go p.run()
	})
	return err
}

// Terminate stops the drain loop and waits for it. A file being processed
// at the moment of termination stays in the queue's processing state and is
// recovered at the next start.
func (p *Processor) Terminate() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Processor) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Processor) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.signal:
		}
		p.drain()
	}
}

func (p *Processor) drain() {
	for p.ctx.Err() == nil {
		h, err := p.queue.Poll()
		if err != nil {
			p.log.Error("polling queue failed", "err", err)
			return
		}
		if h == nil {
			return
		}
		p.process(h)
	}
}

// process applies one file. The handle is closed in every case: a file
// that failed to apply is dropped, not retried, since retrying a
// deterministic parse failure cannot succeed.
func (p *Processor) process(h filequeue.Handle) {
	defer func() {
		if err := h.Close(); err != nil {
			p.log.Error("closing queue handle failed", "err", err)
		}
	}()

	f := h.File()
	err := p.c.WithEventLock(p.ctx, func(tx *store.Tx) error {
		identity, err := p.applier.ApplyFetchedEdition(f.Data)
		if err != nil {
			// Not fatal for the queue. Returning nil commits the
			// transaction (nothing was written) and moves on.
			p.failed.Add(1)
			p.log.Warn("applying fetched edition failed",
				"identity", f.Identity, "edition", f.Edition, "err", err)
			return nil
		}
		return p.c.editionApplied(tx, identity)
	})
	if err != nil && !shutdownErr(err) {
		p.log.Error("edition-applied fan-out failed",
			"identity", f.Identity, "edition", f.Edition, "err", err)
	}
}

// Failed returns how many files failed to apply in this session.
func (p *Processor) Failed() int { return int(p.failed.Load()) }
