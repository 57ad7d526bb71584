// Package download schedules which identity editions to fetch next.
//
// The Controller is the single coordination point between the host's trust
// graph and the two fetch strategies. Every lifecycle event travels through
// one scoped lock helper that acquires, in fixed order, the graph-wide lock,
// the controller mutex, and a store transaction. The order is never taken in
// reverse; code needing a subset of the locks still acquires that subset in
// the same relative order. Network fetches happen with no lock held at all.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xor-freenet/wotfetch/internal/priority"
	"github.com/xor-freenet/wotfetch/internal/store"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// Downloader is one fetch strategy registered with the Controller.
//
// All On* callbacks are invoked while the event lock scope is held: the
// graph lock, the controller mutex, and the given store transaction. They
// must not call back into the Controller's public API, must not block on
// network I/O, and their store writes commit or roll back together with the
// graph mutation that triggered the event.
type Downloader interface {
	// Start launches the strategy's background workers. Called once by
	// Controller.Start.
	Start()

	// Terminate stops the workers, aborts in-flight fetches and waits for
	// them. Idempotent.
	Terminate()

	// OnStartFetch notifies that the identity became eligible for fetching.
	OnStartFetch(tx *store.Tx, identity wot.Identity) error

	// OnAbortFetch notifies that the identity is no longer eligible.
	OnAbortFetch(tx *store.Tx, id wot.IdentityID) error

	// OnOwnTrustChanged notifies about a created (old == nil), deleted
	// (new == nil) or re-valued trust edge whose truster is locally owned.
	OnOwnTrustChanged(tx *store.Tx, old, new *wot.Trust) error

	// OnNewEditionHint offers a freshly decoded edition hint.
	OnNewEditionHint(tx *store.Tx, hint priority.EditionHint) error

	// OnEditionApplied notifies that the parser durably applied an edition;
	// identity carries the post-apply state. This, not fetch completion, is
	// what advances "already fetched" bookkeeping.
	OnEditionApplied(tx *store.Tx, identity wot.Identity) error

	// OnPreDeleteIdentity / OnPostDeleteIdentity bracket the deletion of a
	// remote identity. Pre strips references to it; Post re-evaluates
	// identities that depended on it.
	OnPreDeleteIdentity(tx *store.Tx, id wot.IdentityID) error
	OnPostDeleteIdentity(tx *store.Tx, id wot.IdentityID) error

	// OnPreDeleteLocalIdentity / OnPostDeleteLocalIdentity bracket the
	// deletion of a locally-owned identity, whose trust edges stop
	// justifying fetches.
	OnPreDeleteLocalIdentity(tx *store.Tx, id wot.IdentityID) error
	OnPostDeleteLocalIdentity(tx *store.Tx, id wot.IdentityID) error

	// OnPreRestoreLocalIdentity / OnPostRestoreLocalIdentity bracket the
	// restoration of a locally-owned identity. Fetching resumes at the
	// identity's NextEditionToFetch, never from zero.
	OnPreRestoreLocalIdentity(tx *store.Tx, identity wot.Identity) error
	OnPostRestoreLocalIdentity(tx *store.Tx, identity wot.Identity) error

	// WouldFetch reports whether this strategy would currently fetch the
	// identity. Called under the graph lock and controller mutex.
	WouldFetch(id wot.IdentityID) bool

	// DeleteAllCommands discards the strategy's pending persistent state.
	DeleteAllCommands(tx *store.Tx) error

	// ProcessCommandsNow skips the batching delay of pending commands.
	ProcessCommandsNow()
}

// Controller owns the fetch target store and fans lifecycle events out to
// the registered downloaders.
type Controller struct {
	baseLog   *slog.Logger
	log       *slog.Logger
	graphLock sync.Locker
	graph     wot.TrustGraph
	st        *store.Store

	mu          sync.Mutex
	downloaders []Downloader
	started     bool
	terminated  bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// NewController wires the controller to the host's graph lock, graph oracle
// and fetch target store. Register downloaders before calling Start.
func NewController(graphLock sync.Locker, graph wot.TrustGraph, st *store.Store, opts ...Option) *Controller {
	c := &Controller{
		log:       slog.Default(),
		graphLock: graphLock,
		graph:     graph,
		st:        st,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseLog = c.log
	c.log = c.log.With("component", "download.controller")
	return c
}

// Register adds a downloader to the fan-out set. Must happen before Start.
func (c *Controller) Register(d Downloader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("cannot register a downloader after Start")
	}
	c.downloaders = append(c.downloaders, d)
	return nil
}

// Store returns the fetch target store the controller owns.
func (c *Controller) Store() *store.Store { return c.st }

// Graph returns the trust graph oracle. Callers outside a callback must
// hold the graph lock while using it.
func (c *Controller) Graph() wot.TrustGraph { return c.graph }

// Start launches all registered downloaders. Idempotent; a no-op after
// Terminate.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.terminated {
		c.mu.Unlock()
		return
	}
	c.started = true
	ds := append([]Downloader(nil), c.downloaders...)
	c.mu.Unlock()

	c.log.Info("starting downloaders", "count", len(ds))
	for _, d := range ds {
		d.Start()
	}
}

// Terminate stops all downloaders and waits for them. Idempotent and safe
// to call concurrently with lifecycle callbacks: after it returns no
// further store mutation occurs.
func (c *Controller) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	ds := append([]Downloader(nil), c.downloaders...)
	c.mu.Unlock()

	c.log.Info("terminating downloaders", "count", len(ds))
	for i := len(ds) - 1; i >= 0; i-- {
		ds[i].Terminate()
	}
}

// ErrTerminated is returned by event entry points once Terminate has run:
// after shutdown no further store mutation may occur.
var ErrTerminated = errors.New("downloader controller is terminated")

// WithEventLock runs fn inside the full event lock scope: graph lock, then
// controller mutex, then one store transaction. An error from fn rolls the
// transaction back completely.
func (c *Controller) WithEventLock(ctx context.Context, fn func(tx *store.Tx) error) error {
	c.graphLock.Lock()
	defer c.graphLock.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return ErrTerminated
	}
	return c.st.Update(ctx, fn)
}

// shutdownErr reports whether err is an expected consequence of shutdown
// rather than a real failure.
func shutdownErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrTerminated)
}

// fanOut delivers one callback to every downloader inside an already-held
// event lock scope. The first error aborts the transaction.
func (c *Controller) fanOut(what string, fn func(d Downloader) error) error {
	for _, d := range c.downloaders {
		if err := fn(d); err != nil {
			return fmt.Errorf("delivering %s: %w", what, err)
		}
	}
	return nil
}

// IdentityBecameEligible tells the downloaders to start fetching the
// identity.
func (c *Controller) IdentityBecameEligible(ctx context.Context, identity wot.Identity) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("start-fetch", func(d Downloader) error {
			return d.OnStartFetch(tx, identity)
		})
	})
}

// IdentityBecameIneligible tells the downloaders to stop fetching the
// identity.
func (c *Controller) IdentityBecameIneligible(ctx context.Context, id wot.IdentityID) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("abort-fetch", func(d Downloader) error {
			return d.OnAbortFetch(tx, id)
		})
	})
}

// OwnTrustChanged reports a created, deleted or re-valued trust edge whose
// truster is a locally-owned identity. Third-party edges do not go through
// here.
func (c *Controller) OwnTrustChanged(ctx context.Context, old, new *wot.Trust) error {
	if old == nil && new == nil {
		return errors.New("trust change with neither old nor new value")
	}
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("own-trust-changed", func(d Downloader) error {
			return d.OnOwnTrustChanged(tx, old, new)
		})
	})
}

// NewEditionHint offers a freshly decoded hint to the downloaders.
func (c *Controller) NewEditionHint(ctx context.Context, hint priority.EditionHint) error {
	if err := hint.Validate(); err != nil {
		return fmt.Errorf("rejecting edition hint: %w", err)
	}
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("new-edition-hint", func(d Downloader) error {
			return d.OnNewEditionHint(tx, hint)
		})
	})
}

// EditionApplied reports that the parser durably applied an edition.
func (c *Controller) EditionApplied(ctx context.Context, identity wot.Identity) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.editionApplied(tx, identity)
	})
}

func (c *Controller) editionApplied(tx *store.Tx, identity wot.Identity) error {
	return c.fanOut("edition-applied", func(d Downloader) error {
		return d.OnEditionApplied(tx, identity)
	})
}

// PreDeleteIdentity runs the downloaders' cleanup before a remote identity
// is deleted from the graph.
func (c *Controller) PreDeleteIdentity(ctx context.Context, id wot.IdentityID) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("pre-delete-identity", func(d Downloader) error {
			return d.OnPreDeleteIdentity(tx, id)
		})
	})
}

// PostDeleteIdentity runs the downloaders' re-evaluation after a remote
// identity was deleted.
func (c *Controller) PostDeleteIdentity(ctx context.Context, id wot.IdentityID) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("post-delete-identity", func(d Downloader) error {
			return d.OnPostDeleteIdentity(tx, id)
		})
	})
}

// PreDeleteLocalIdentity runs before a locally-owned identity is deleted.
func (c *Controller) PreDeleteLocalIdentity(ctx context.Context, id wot.IdentityID) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("pre-delete-local-identity", func(d Downloader) error {
			return d.OnPreDeleteLocalIdentity(tx, id)
		})
	})
}

// PostDeleteLocalIdentity runs after a locally-owned identity was deleted.
func (c *Controller) PostDeleteLocalIdentity(ctx context.Context, id wot.IdentityID) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("post-delete-local-identity", func(d Downloader) error {
			return d.OnPostDeleteLocalIdentity(tx, id)
		})
	})
}

// PreRestoreLocalIdentity runs before a locally-owned identity is restored
// from its backed-up state.
func (c *Controller) PreRestoreLocalIdentity(ctx context.Context, identity wot.Identity) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("pre-restore-local-identity", func(d Downloader) error {
			return d.OnPreRestoreLocalIdentity(tx, identity)
		})
	})
}

// PostRestoreLocalIdentity runs after a locally-owned identity was
// restored. Downloaders resume at the identity's NextEditionToFetch.
func (c *Controller) PostRestoreLocalIdentity(ctx context.Context, identity wot.Identity) error {
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("post-restore-local-identity", func(d Downloader) error {
			return d.OnPostRestoreLocalIdentity(tx, identity)
		})
	})
}

// WouldFetch reports whether any downloader would currently fetch the
// identity. Read-only introspection for debugging.
func (c *Controller) WouldFetch(id wot.IdentityID) bool {
	c.graphLock.Lock()
	defer c.graphLock.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.downloaders {
		if d.WouldFetch(id) {
			return true
		}
	}
	return false
}

// ClearAllPendingCommands discards every pending hint and command. Meant
// for integrity repair; the next graph events rebuild the state.
func (c *Controller) ClearAllPendingCommands(ctx context.Context) error {
	c.log.Warn("clearing all pending downloader state")
	return c.WithEventLock(ctx, func(tx *store.Tx) error {
		return c.fanOut("delete-all-commands", func(d Downloader) error {
			return d.DeleteAllCommands(tx)
		})
	})
}

// ProcessCommandsNow makes every downloader process its pending commands
// without the usual batching delay.
func (c *Controller) ProcessCommandsNow() {
	c.mu.Lock()
	ds := append([]Downloader(nil), c.downloaders...)
	c.mu.Unlock()
	for _, d := range ds {
		d.ProcessCommandsNow()
	}
}
