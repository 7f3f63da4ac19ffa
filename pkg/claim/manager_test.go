package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	gen     Generator
	live    map[ID]bool
	removed []ID
	failOn  map[ID]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{live: make(map[ID]bool), failOn: make(map[ID]error)}
}

func (s *fakeStore) Create(ctx context.Context) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.gen.Next()
	s.live[id] = true
	return id, nil
}

func (s *fakeStore) Remove(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[id]; err != nil {
		return err
	}
	delete(s.live, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeStore) isLive(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// newTestManager returns a manager whose worker never fires on its own, so
// tests drive removal through Flush.
func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m := NewManager(store, ManagerConfig{FlushInterval: time.Hour, BatchSize: 1 << 20})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_NewClaimIsWritingWithZeroCount(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	c, err := m.New(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), c.Count())
	assert.True(t, c.Writing())
	assert.True(t, store.isLive(c.ID()))

	got, ok := m.Get(c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestManager_RemovalOnlyAtZero(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(t, store)

	c, err := m.New(ctx)
	require.NoError(t, err)
	c.Seal()

	assert.Equal(t, int64(1), m.Increment(c.ID()))
	assert.Equal(t, int64(2), m.Increment(c.ID()))

	n, err := m.Decrement(c.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, m.Flush(ctx))
	assert.True(t, store.isLive(c.ID()))

	n, err = m.Decrement(c.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 1, m.Pending())

	assert.Equal(t, 1, m.Flush(ctx))
	assert.False(t, store.isLive(c.ID()))

	_, ok := m.Get(c.ID())
	assert.False(t, ok)
}

func TestManager_Underflow(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	id := m.Track(ID{Key: "k", Seq: 1}, 0).ID()

	_, err := m.Decrement(id)
	assert.ErrorIs(t, err, ErrUnderflow)
	assert.Equal(t, int64(0), m.Count(id))
	assert.Equal(t, 0, m.Pending())

	_, err = m.Decrement(ID{Key: "missing", Seq: 1})
	assert.ErrorIs(t, err, ErrUnknownClaim)
}

func TestManager_RevivedClaimIsKept(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(t, store)

	c, err := m.New(ctx)
	require.NoError(t, err)
	m.Increment(c.ID())
	c.Seal()

	_, err = m.Decrement(c.ID())
	require.NoError(t, err)
	m.Increment(c.ID())

	assert.Equal(t, 0, m.Flush(ctx))
	assert.True(t, store.isLive(c.ID()))
	assert.Equal(t, int64(1), m.Count(c.ID()))
}

func TestManager_ReleaseFreshClaim(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(t, store)

	c, err := m.New(ctx)
	require.NoError(t, err)

	// Fresh claims are never removed while still being written.
	m.schedule(c.ID())
	assert.Equal(t, 0, m.Flush(ctx))
	assert.True(t, store.isLive(c.ID()))

	m.Release(c)
	assert.False(t, c.Writing())
	assert.Equal(t, 1, m.Flush(ctx))
	assert.False(t, store.isLive(c.ID()))
}

func TestManager_FailedRemovalIsLogged(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(t, store)

	c, err := m.New(ctx)
	require.NoError(t, err)
	store.failOn[c.ID()] = errors.New("disk on fire")

	m.Release(c)
	assert.Equal(t, 0, m.Flush(ctx))
	assert.True(t, store.isLive(c.ID()))
}

func TestManager_CloseDrainsPending(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store, ManagerConfig{FlushInterval: time.Hour})

	c, err := m.New(ctx)
	require.NoError(t, err)
	m.Release(c)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, store.isLive(c.ID()))
}

func TestManager_BatchThresholdTriggersWorker(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store, ManagerConfig{FlushInterval: time.Hour, BatchSize: 2})
	defer m.Close()

	a, err := m.New(ctx)
	require.NoError(t, err)
	b, err := m.New(ctx)
	require.NoError(t, err)

	m.Release(a)
	m.Release(b)

	assert.Eventually(t, func() bool {
		return !store.isLive(a.ID()) && !store.isLive(b.ID())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_SnapshotAndTrack(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	a := ID{Key: "a", Seq: 1}
	b := ID{Key: "b", Seq: 2}
	m.Track(a, 3)
	m.Track(b, 1)
	m.Track(b, 2)

	snap := m.Snapshot()
	assert.Equal(t, map[ID]int64{a: 3, b: 2}, snap)
}

// slowStore blocks Create until release is closed.
type slowStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Create(ctx context.Context) (ID, error) {
	id, err := s.fakeStore.Create(ctx)
	close(s.entered)
	<-s.release
	return id, err
}

func TestManager_SnapshotWaitsForAllocation(t *testing.T) {
	store := &slowStore{
		fakeStore: newFakeStore(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	m := newTestManager(t, store)

	created := make(chan *ResourceClaim, 1)
	go func() {
		c, err := m.New(context.Background())
		assert.NoError(t, err)
		created <- c
	}()
	<-store.entered

	snap := make(chan map[ID]int64, 1)
	go func() { snap <- m.Snapshot() }()

	select {
	case <-snap:
		t.Fatal("snapshot returned while a claim existed in the store but was untracked")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	c := <-created
	require.NotNil(t, c)

	got := <-snap
	assert.Contains(t, got, c.ID())
}
