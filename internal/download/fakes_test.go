package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xor-freenet/wotfetch/internal/config"
	"github.com/xor-freenet/wotfetch/internal/filequeue"
	"github.com/xor-freenet/wotfetch/internal/store"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// fakeGraph is a mutable in-memory trust graph. Its methods do not lock:
// the controller guarantees the graph lock is held, and tests mutate it
// through fixture.withGraphLock.
type fakeGraph struct {
	identities map[wot.IdentityID]wot.Identity
	fetchable  map[wot.IdentityID]bool
	capacity   map[wot.IdentityID]int
	trusts     []wot.Trust
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		identities: make(map[wot.IdentityID]wot.Identity),
		fetchable:  make(map[wot.IdentityID]bool),
		capacity:   make(map[wot.IdentityID]int),
	}
}

func (g *fakeGraph) ShouldFetch(id wot.IdentityID) bool { return g.fetchable[id] }
func (g *fakeGraph) Capacity(id wot.IdentityID) int     { return g.capacity[id] }
func (g *fakeGraph) ScoreSign(wot.IdentityID) wot.ScoreSign {
	return wot.Trusted
}

func (g *fakeGraph) Identity(id wot.IdentityID) (wot.Identity, bool) {
	identity, ok := g.identities[id]
	return identity, ok
}

func (g *fakeGraph) FetchableIdentities() []wot.Identity {
	var out []wot.Identity
	for id, identity := range g.identities {
		if g.fetchable[id] {
			out = append(out, identity)
		}
	}
	return out
}

func (g *fakeGraph) DirectTrusts() []wot.Trust { return g.trusts }

type fetchCall struct {
	id      wot.IdentityID
	edition int64
}

// fakeFetch serves fetches from a fixed result set. A miss is a fetch
// failure. Every call is recorded and announced on calls.
type fakeFetch struct {
	mu      sync.Mutex
	results map[string]bool // id@edition -> should succeed
	calls   chan fetchCall
}

func newFakeFetch() *fakeFetch {
	return &fakeFetch{
		results: make(map[string]bool),
		calls:   make(chan fetchCall, 64),
	}
}

func fetchKey(id wot.IdentityID, edition int64) string {
	return fmt.Sprintf("%s@%d", id, edition)
}

func (f *fakeFetch) serve(id wot.IdentityID, edition int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[fetchKey(id, edition)] = true
}

func (f *fakeFetch) Fetch(ctx context.Context, id wot.IdentityID, edition int64) (*wot.FetchResult, error) {
	select {
	case f.calls <- fetchCall{id: id, edition: edition}:
	default:
	}
	f.mu.Lock()
	ok := f.results[fetchKey(id, edition)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("edition %d of %s not retrievable", edition, id)
	}
	return &wot.FetchResult{
		Identity: id,
		Edition:  edition,
		Data:     []byte(fmt.Sprintf("%s %d", id, edition)),
		Source:   "USK@fake/WebOfTrust/" + strconv.FormatInt(edition, 10),
	}, nil
}

// nextCall waits for the next recorded fetch attempt.
func (f *fakeFetch) nextCall(t *testing.T) fetchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a fetch attempt")
		return fetchCall{}
	}
}

// fakeApplier parses the "identity edition" payload the fakeFetch
// produces and advances the graph's bookkeeping. Called under the event
// lock, so it touches the graph directly.
type fakeApplier struct {
	g *fakeGraph
}

func (a *fakeApplier) ApplyFetchedEdition(data []byte) (wot.Identity, error) {
	parts := strings.Fields(string(data))
	if len(parts) != 2 {
		return wot.Identity{}, fmt.Errorf("malformed identity document %q", data)
	}
	id, err := wot.ParseIdentityID(parts[0])
	if err != nil {
		return wot.Identity{}, err
	}
	edition, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return wot.Identity{}, err
	}
	identity := a.g.identities[id]
	identity.ID = id
	identity.LastFetchedEdition = edition
	identity.NextEditionToFetch = edition + 1
	a.g.identities[id] = identity
	return identity, nil
}

// fixture wires a controller, both downloaders and a memory queue against
// fakes. Nothing is started; tests start exactly the workers they need.
type fixture struct {
	t     *testing.T
	glock *sync.Mutex
	graph *fakeGraph
	st    *store.Store
	queue *filequeue.MemQueue
	fetch *fakeFetch
	cfg   config.Config

	c    *Controller
	fast *FastDownloader
	slow *SlowDownloader
	proc *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "wotfetch.db"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.FastPollInterval = config.Duration(10 * time.Millisecond)
	cfg.CommandProcessingDelay = config.Duration(5 * time.Millisecond)
	cfg.SlowRetryDelay = config.Duration(time.Millisecond)

	f := &fixture{
		t:     t,
		glock: &sync.Mutex{},
		graph: newFakeGraph(),
		st:    st,
		queue: filequeue.NewMemQueue(cfg.MaxQueuedFileSize),
		fetch: newFakeFetch(),
		cfg:   cfg,
	}
	f.c = NewController(f.glock, f.graph, st,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	f.fast = NewFastDownloader(f.c, f.fetch, f.queue, &f.cfg)
	f.slow = NewSlowDownloader(f.c, f.fetch, f.queue, &f.cfg)
	f.proc = NewProcessor(f.c, f.queue, &fakeApplier{g: f.graph})
	require.NoError(t, f.c.Register(f.fast))
	require.NoError(t, f.c.Register(f.slow))

	t.Cleanup(func() {
		f.proc.Terminate()
		f.c.Terminate()
		f.queue.Close()
		st.Close()
	})
	return f
}

// withGraphLock mutates the fake graph under the same lock the controller
// uses, keeping background workers race-free.
func (f *fixture) withGraphLock(fn func(g *fakeGraph)) {
	f.glock.Lock()
	defer f.glock.Unlock()
	fn(f.graph)
}

// addIdentity registers a fetchable identity built from a repeated byte.
func (f *fixture) addIdentity(b byte, next int64) wot.Identity {
	f.t.Helper()
	id, err := wot.IdentityIDFromBytes(bytes.Repeat([]byte{b}, wot.RoutingKeyLength))
	require.NoError(f.t, err)
	identity := wot.Identity{
		ID:                 id,
		LastFetchedEdition: next - 1,
		NextEditionToFetch: next,
	}
	f.withGraphLock(func(g *fakeGraph) {
		g.identities[id] = identity
		g.fetchable[id] = true
		g.capacity[id] = 100
	})
	return identity
}

// trustDirectly adds a positive trust edge from a locally-owned identity.
func (f *fixture) trustDirectly(truster, trustee wot.IdentityID) {
	f.withGraphLock(func(g *fakeGraph) {
		g.trusts = append(g.trusts, wot.Trust{Truster: truster, Trustee: trustee, Value: 100})
	})
}

// command reads the stored fetch command for an identity.
func (f *fixture) command(id wot.IdentityID) (store.FetchCommand, error) {
	f.t.Helper()
	var cmd store.FetchCommand
	var cmdErr error
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		cmd, cmdErr = tx.Command(id)
		return nil
	})
	require.NoError(f.t, err)
	return cmd, cmdErr
}

// countHints reads the number of stored hints.
func (f *fixture) countHints() int {
	f.t.Helper()
	var n int
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.CountHints()
		return err
	})
	require.NoError(f.t, err)
	return n
}
