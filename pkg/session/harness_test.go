package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/flow"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/marmos91/edgeflow/pkg/store/content/memory"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	repomemory "github.com/marmos91/edgeflow/pkg/store/repository/memory"
	"github.com/stretchr/testify/require"
)

// Topology used by the tests:
//
//	upstream --(success)--> [in] --> proc --(success)--> [out] --> downstream
const (
	upstreamUnit   = "upstream"
	procUnit       = "proc"
	downstreamUnit = "downstream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyRepository fails or crashes appends on demand.
type faultyRepository struct {
	repository.Repository

	mu    sync.Mutex
	fail  bool
	crash bool
}

var errInjectedCrash = errors.New("injected crash")

func (f *faultyRepository) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *faultyRepository) setCrash(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crash = v
}

func (f *faultyRepository) Append(ctx context.Context, entries []repository.Entry) (uint64, error) {
	f.mu.Lock()
	fail, crash := f.fail, f.crash
	f.mu.Unlock()

	if fail {
		return 0, flowerr.Wrap(flowerr.RepositoryIO, "faulty.Append", io.ErrShortWrite)
	}
	seq, err := f.Repository.Append(ctx, entries)
	if err == nil && crash {
		panic(errInjectedCrash)
	}
	return seq, err
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *fakeClock
	store  content.Store
	repo   *faultyRepository
	claims *claim.Manager
	reg    *flow.Registry
	repos  flow.Repositories
	in     *connection.Connection
	out    *connection.Connection
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := memory.NewMemoryContentStore(context.Background())
	require.NoError(t, err)
	return newHarnessWithStore(t, store)
}

func newHarnessWithStore(t *testing.T, store content.Store) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		store: store,
		repo:  &faultyRepository{Repository: repomemory.NewMemoryRepository(repomemory.Config{})},
	}
	h.claims = claim.NewManager(store, claim.ManagerConfig{FlushInterval: time.Hour, BatchSize: 1 << 20})
	t.Cleanup(func() {
		_ = h.claims.Close()
		_ = store.Close()
	})
	h.repos = flow.Repositories{FlowFiles: h.repo, Content: store, Claims: h.claims}
	h.buildRegistry()
	return h
}

// buildRegistry creates fresh connections and a registry, as after a
// restart.
func (h *harness) buildRegistry() {
	h.t.Helper()
	h.reg = flow.NewRegistry()
	h.in = h.connection("in", upstreamUnit, procUnit)
	h.out = h.connection("out", procUnit, downstreamUnit)
}

func (h *harness) connection(id, src, dst string) *connection.Connection {
	h.t.Helper()
	c, err := connection.New(connection.Config{
		ID:            id,
		Name:          id,
		Source:        src,
		Destination:   dst,
		Relationships: []string{"success"},
		Now:           h.clock.Now,
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.reg.AddConnection(c))
	return c
}

func (h *harness) session(unit string) *Session {
	return h.sessionWith(unit, Config{})
}

func (h *harness) sessionWith(unit string, cfg Config) *Session {
	cfg.Now = h.clock.Now
	return New(flow.NewProcessContext(unit, h.reg, h.repos, nil), cfg)
}

// seed commits a record with content data onto the "in" connection.
func (h *harness) seed(data string) *flowfile.Record {
	h.t.Helper()
	s := h.session(upstreamUnit)
	rec, err := s.Create()
	require.NoError(h.t, err)
	_, err = s.Import(h.ctx, rec, strings.NewReader(data))
	require.NoError(h.t, err)
	require.NoError(h.t, s.Transfer(rec, "success"))
	require.NoError(h.t, s.Commit(h.ctx))
	return rec
}

// read returns the content of rec straight from the store.
func (h *harness) read(rec *flowfile.Record) string {
	h.t.Helper()
	if rec.Content == nil {
		return ""
	}
	data, err := content.ReadRange(h.ctx, h.store, rec.Content.Claim, rec.Content.Offset, rec.Content.Length)
	require.NoError(h.t, err)
	return string(data)
}

func (h *harness) exists(id claim.ID) bool {
	h.t.Helper()
	ok, err := h.store.Exists(h.ctx, id)
	require.NoError(h.t, err)
	return ok
}

func write(t *testing.T, w io.WriteCloser, data string) {
	t.Helper()
	_, err := io.Copy(w, bytes.NewBufferString(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, s *Session, rec *flowfile.Record) string {
	t.Helper()
	r, err := s.Read(context.Background(), rec)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return string(data)
}
