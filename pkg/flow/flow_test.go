package flow

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/content/memory"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	repomemory "github.com/marmos91/edgeflow/pkg/store/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepositories(t *testing.T) Repositories {
	t.Helper()
	store, err := memory.NewMemoryContentStore(context.Background())
	require.NoError(t, err)
	claims := claim.NewManager(store, claim.ManagerConfig{FlushInterval: time.Hour, BatchSize: 1 << 20})
	t.Cleanup(func() {
		_ = claims.Close()
		_ = store.Close()
	})
	return Repositories{
		FlowFiles: repomemory.NewMemoryRepository(repomemory.Config{}),
		Content:   store,
		Claims:    claims,
	}
}

func newTestConnection(t *testing.T, id, src, dst string, mutate func(*connection.Config)) *connection.Connection {
	t.Helper()
	cfg := connection.Config{
		ID:            id,
		Name:          id,
		Source:        src,
		Destination:   dst,
		Relationships: []string{"success"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := connection.New(cfg)
	require.NoError(t, err)
	return c
}

// writeContent stores data in a fresh claim.
func writeContent(t *testing.T, repos Repositories, data string) claim.ID {
	t.Helper()
	ctx := context.Background()
	id, err := repos.Content.Create(ctx)
	require.NoError(t, err)
	w, err := repos.Content.OpenWriter(ctx, id)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return id
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	reg.AddUnit("gen", "Generator")
	a := newTestConnection(t, "a", "gen", "log", nil)
	b := newTestConnection(t, "b", "gen", "store", func(cfg *connection.Config) {
		cfg.Relationships = []string{"success", "failure"}
	})
	require.NoError(t, reg.AddConnection(a))
	require.NoError(t, reg.AddConnection(b))
	assert.Error(t, reg.AddConnection(a), "duplicate ids are rejected")

	assert.ElementsMatch(t, []*connection.Connection{a, b}, reg.Outgoing("gen", "success"))
	assert.Equal(t, []*connection.Connection{b}, reg.Outgoing("gen", "failure"))
	assert.Empty(t, reg.Outgoing("gen", "other"))
	assert.Equal(t, []*connection.Connection{a}, reg.Incoming("log"))

	u, ok := reg.Unit("gen")
	require.True(t, ok)
	assert.Equal(t, "Generator", u.Name)
	assert.Len(t, reg.Units(), 3, "endpoints are registered implicitly")

	reg.SetAutoTerminated("log", "success")
	assert.True(t, reg.IsAutoTerminated("log", "success"))
	assert.False(t, reg.IsAutoTerminated("gen", "success"))
}

func TestRegistry_ShouldYield(t *testing.T) {
	reg := NewRegistry()
	c := newTestConnection(t, "a", "gen", "sink", func(cfg *connection.Config) { cfg.MaxQueueSize = 1 })
	require.NoError(t, reg.AddConnection(c))

	pc := NewProcessContext("gen", reg, Repositories{}, nil)
	assert.False(t, pc.ShouldYield())

	c.Enqueue(flowfile.New(time.Now()))
	assert.True(t, pc.ShouldYield())
	assert.False(t, reg.ShouldYield("sink"), "backpressure applies to the upstream unit only")
}

func TestRecover_RestoresQueuesAndClaims(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t)
	reg := NewRegistry()
	conn := newTestConnection(t, "q", "gen", "sink", nil)
	require.NoError(t, reg.AddConnection(conn))

	shared := writeContent(t, repos, "shared bytes")
	gone := writeContent(t, repos, "removed")

	base := time.Now()
	mk := func(name string, queued time.Time, ref *flowfile.ContentRef, connID string) *flowfile.Record {
		r := flowfile.New(base)
		r.Attributes.Set(flowfile.AttrFilename, name)
		r.Content = ref
		r.QueueDate = queued
		r.Connection = connID
		return r
	}

	second := mk("second", base.Add(time.Second), &flowfile.ContentRef{Claim: shared, Length: 6}, "q")
	first := mk("first", base, &flowfile.ContentRef{Claim: shared, Offset: 7, Length: 5}, "q")
	orphan := mk("orphan", base, &flowfile.ContentRef{Claim: gone, Length: 7}, "q")
	unplaced := mk("unplaced", base, nil, "deleted-connection")

	_, err := repos.FlowFiles.Append(ctx, []repository.Entry{
		repository.NewAdd(second),
		repository.NewAdd(first),
		repository.NewAdd(orphan),
		repository.NewAdd(unplaced),
	})
	require.NoError(t, err)
	require.NoError(t, repos.Content.Remove(ctx, gone))

	stats, err := Recover(ctx, reg, repos, nil)
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{Restored: 2, MissingContent: 1, Unplaced: 1, Claims: 1}, stats)

	// Restored in queue order.
	r, ok := conn.Poll()
	require.True(t, ok)
	assert.Equal(t, first.ID, r.ID)
	r, ok = conn.Poll()
	require.True(t, ok)
	assert.Equal(t, second.ID, r.ID)

	assert.Equal(t, int64(2), repos.Claims.Count(shared))

	for _, id := range []flowfile.ID{orphan.ID, unplaced.ID} {
		_, err := repos.FlowFiles.Get(ctx, id)
		assert.ErrorIs(t, err, flowerr.ErrNotFound, "dropped records get a tombstone")
	}
}

func TestExpirationHandler_DeletesAndReleases(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepositories(t)
	reg := NewRegistry()

	now := time.Now()
	clock := func() time.Time { return now }
	conn := newTestConnection(t, "q", "gen", "sink", func(cfg *connection.Config) {
		cfg.Expiration = time.Minute
		cfg.Now = func() time.Time { return clock() }
	})
	require.NoError(t, reg.AddConnection(conn))
	reg.SetExpirationHandler(NewExpirationHandler(repos, nil))

	id := writeContent(t, repos, "payload")
	rec := flowfile.New(now)
	rec.Content = &flowfile.ContentRef{Claim: id, Length: 7}
	rec.Connection = "q"
	rec.QueueDate = now
	_, err := repos.FlowFiles.Append(ctx, []repository.Entry{repository.NewAdd(rec)})
	require.NoError(t, err)
	repos.Claims.Track(id, 1)
	conn.Enqueue(rec)

	now = now.Add(2 * time.Minute)
	_, ok := conn.Poll()
	assert.False(t, ok)

	_, err = repos.FlowFiles.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
	assert.Equal(t, int64(0), repos.Claims.Count(id))

	assert.Equal(t, 1, repos.Claims.Flush(ctx))
	exists, err := repos.Content.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}
