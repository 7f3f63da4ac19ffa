package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/pkg/flow"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_CreateWriteTransferCommit(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	rec, err := s.Create()
	require.NoError(t, err)
	_, err = s.PutAttribute(rec, "a", "1")
	require.NoError(t, err)

	w, err := s.Write(h.ctx, rec)
	require.NoError(t, err)
	write(t, w, strings.Repeat("x", 100))

	require.NoError(t, s.Transfer(rec, "success"))
	require.NoError(t, s.Commit(h.ctx))
	assert.Equal(t, Committed, s.State())

	count, _ := h.out.Size()
	require.Equal(t, 1, count, "record appears exactly once")

	got, ok := h.out.Poll()
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, int64(100), got.Size)
	v, _ := got.Attribute("a")
	assert.Equal(t, "1", v)
	assert.Equal(t, "out", got.Connection)

	stored, err := h.repo.Get(h.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "out", stored.Connection)
	assert.Equal(t, int64(1), h.claims.Count(got.Content.Claim))
	assert.Equal(t, strings.Repeat("x", 100), h.read(got))
}

func TestScenario_CommitWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	rec, err := s.Create()
	require.NoError(t, err)
	w, err := s.Write(h.ctx, rec)
	require.NoError(t, err)
	write(t, w, "payload")
	fresh := rec.Content.Claim

	before := h.repo.Stats()
	err = s.Commit(h.ctx)
	assert.ErrorIs(t, err, flowerr.ErrContractViolation)

	assert.Equal(t, before, h.repo.Stats(), "log unchanged")
	assert.True(t, h.out.IsEmpty(), "queues unchanged")
	assert.Equal(t, Open, s.State(), "a failed commit leaves the session open")

	require.NoError(t, s.Rollback(h.ctx))
	h.claims.Flush(h.ctx)
	assert.False(t, h.exists(fresh), "fresh claim released on rollback")
}

func TestScenario_CloneWriteRollback(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed("original")
	original := seeded.Content.Claim
	require.Equal(t, int64(1), h.claims.Count(original))

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)
	require.NotNil(t, r)

	r2, err := s.Clone(r)
	require.NoError(t, err)
	assert.Equal(t, original, r2.Content.Claim, "clone shares the claim")

	w, err := s.Write(h.ctx, r2)
	require.NoError(t, err)
	write(t, w, "changed")
	assert.NotEqual(t, original, r2.Content.Claim)

	require.NoError(t, s.Rollback(h.ctx))

	assert.Equal(t, int64(1), h.claims.Count(original))
	_, err = h.repo.Get(h.ctx, r2.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound, "clone discarded")

	back, ok := h.in.Poll()
	require.True(t, ok)
	assert.Equal(t, seeded.ID, back.ID)
	assert.Equal(t, "original", h.read(back))
}

func TestScenario_ConcurrentSessionsNeverShareRecords(t *testing.T) {
	h := newHarness(t)
	const total = 60
	for i := 0; i < total; i++ {
		h.seed("r")
	}

	var mu sync.Mutex
	seen := make(map[flowfile.ID]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s := h.session(procUnit)
				recs, err := s.GetBatch(2)
				if err != nil || len(recs) == 0 {
					_ = s.Rollback(context.Background())
					return
				}
				mu.Lock()
				for _, r := range recs {
					seen[r.ID]++
				}
				mu.Unlock()
				for _, r := range recs {
					if err := s.Transfer(r, "success"); err != nil {
						t.Error(err)
					}
				}
				if err := s.Commit(context.Background()); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s handed to two sessions", id)
	}
	count, _ := h.out.Size()
	assert.Equal(t, total, count)
	assert.True(t, h.in.IsEmpty())
}

func TestSession_CloneWriteCommitIsCopyOnWrite(t *testing.T) {
	h := newHarness(t)
	h.seed("shared")

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)
	original := r.Content.Claim

	r2, err := s.Clone(r)
	require.NoError(t, err)
	w, err := s.Write(h.ctx, r2)
	require.NoError(t, err)
	write(t, w, "rewritten")

	require.NoError(t, s.Transfer(r, "success"))
	require.NoError(t, s.Transfer(r2, "success"))
	require.NoError(t, s.Commit(h.ctx))

	assert.Equal(t, int64(1), h.claims.Count(original))
	assert.Equal(t, int64(1), h.claims.Count(r2.Content.Claim))

	got := map[flowfile.ID]string{}
	for {
		rec, ok := h.out.Poll()
		if !ok {
			break
		}
		got[rec.ID] = h.read(rec)
	}
	assert.Equal(t, map[flowfile.ID]string{r.ID: "shared", r2.ID: "rewritten"}, got)
}

func TestSession_RefcountFollowsLiveRecords(t *testing.T) {
	h := newHarness(t)
	h.seed("0123456789")

	// Fan out into two clones sharing the claim.
	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)
	id := r.Content.Claim
	head, err := s.CloneRange(r, 0, 4)
	require.NoError(t, err)
	tail, err := s.CloneRange(r, 4, -1)
	require.NoError(t, err)
	require.NoError(t, s.Remove(r))
	require.NoError(t, s.Transfer(head, "success"))
	require.NoError(t, s.Transfer(tail, "success"))
	require.NoError(t, s.Commit(h.ctx))

	assert.Equal(t, int64(2), h.claims.Count(id))
	_, err = h.repo.Get(h.ctx, r.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)

	// The downstream unit drops them one by one.
	drop := func(wantCount int64) {
		d := h.session(downstreamUnit)
		rec, err := d.Get()
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.NoError(t, d.Remove(rec))
		require.NoError(t, d.Commit(h.ctx))
		assert.Equal(t, wantCount, h.claims.Count(id))
	}

	drop(1)
	h.claims.Flush(h.ctx)
	assert.True(t, h.exists(id), "content kept while referenced")

	drop(0)
	assert.Equal(t, 1, h.claims.Flush(h.ctx))
	assert.False(t, h.exists(id), "content removed at zero")
}

func TestSession_CloneRangeContent(t *testing.T) {
	h := newHarness(t)
	h.seed("0123456789")

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)

	mid, err := s.CloneRange(r, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mid.Size)
	assert.Equal(t, "23456", readAll(t, s, mid))

	_, err = s.CloneRange(r, 8, 5)
	assert.ErrorIs(t, err, flowerr.ErrContractViolation)

	require.NoError(t, s.Rollback(h.ctx))
}

func TestSession_FanOutToSeveralConnections(t *testing.T) {
	h := newHarness(t)
	extra := h.connection("audit", procUnit, "auditor")
	h.seed("data")

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)
	require.NoError(t, s.Transfer(r, "success"))
	require.NoError(t, s.Commit(h.ctx))

	a, ok := h.out.Poll()
	require.True(t, ok)
	b, ok := extra.Poll()
	require.True(t, ok)

	assert.NotEqual(t, a.ID, b.ID)
	uuidAttr, _ := b.Attribute(flowfile.AttrUUID)
	assert.Equal(t, b.ID.String(), uuidAttr)
	assert.Equal(t, a.Content.Claim, b.Content.Claim)
	assert.Equal(t, int64(2), h.claims.Count(a.Content.Claim))
	assert.Equal(t, 2, h.repo.Stats().Records)
}

func TestSession_AutoTerminated(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed("bye")
	h.reg.SetAutoTerminated(procUnit, "done")

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)
	require.NoError(t, s.Transfer(r, "done"))
	require.NoError(t, s.Commit(h.ctx))

	_, err = h.repo.Get(h.ctx, seeded.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
	assert.True(t, h.in.IsEmpty())
	assert.Equal(t, 1, h.claims.Flush(h.ctx))
	assert.False(t, h.exists(seeded.Content.Claim))
}

func TestSession_UnknownRelationship(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	r, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.Transfer(r, "nowhere"))

	err = s.Commit(h.ctx)
	assert.ErrorIs(t, err, flowerr.ErrContractViolation)
	assert.Equal(t, Open, s.State())
}

func TestSession_SingleUse(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)
	require.NoError(t, s.Commit(h.ctx), "an empty session commits")

	err := s.Commit(h.ctx)
	assert.ErrorIs(t, err, flowerr.ErrSessionClosed)
	assert.True(t, flowerr.IsContractViolation(err))

	assert.ErrorIs(t, s.Rollback(h.ctx), flowerr.ErrSessionClosed)
	_, err = s.Create()
	assert.ErrorIs(t, err, flowerr.ErrSessionClosed)

	r := h.session(procUnit)
	require.NoError(t, r.Rollback(h.ctx))
	assert.ErrorIs(t, r.Rollback(h.ctx), flowerr.ErrSessionClosed)
	assert.ErrorIs(t, r.Commit(h.ctx), flowerr.ErrSessionClosed)
}

func TestSession_OpenStreamBlocksCommit(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	r, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.Transfer(r, "success"))
	w, err := s.Write(h.ctx, r)
	require.NoError(t, err)

	_, err = s.Write(h.ctx, r)
	assert.ErrorIs(t, err, flowerr.ErrContractViolation, "one writer per record")

	assert.ErrorIs(t, s.Commit(h.ctx), flowerr.ErrContractViolation)

	write(t, w, "done")
	require.NoError(t, s.Commit(h.ctx))
}

func TestSession_AppendInPlaceAndCopy(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed("base")

	s := h.session(procUnit)

	// A record owning the tail of a fresh claim appends in place.
	fresh, err := s.Create()
	require.NoError(t, err)
	w, err := s.Write(h.ctx, fresh)
	require.NoError(t, err)
	write(t, w, "hello")
	claimID := fresh.Content.Claim

	w, err = s.Append(h.ctx, fresh)
	require.NoError(t, err)
	write(t, w, " world")
	assert.Equal(t, claimID, fresh.Content.Claim)
	assert.Equal(t, "hello world", readAll(t, s, fresh))

	// A committed claim is never modified: append copies.
	in, err := s.Get()
	require.NoError(t, err)
	w, err = s.Append(h.ctx, in)
	require.NoError(t, err)
	write(t, w, "+more")
	assert.NotEqual(t, seeded.Content.Claim, in.Content.Claim)
	assert.Equal(t, "base+more", readAll(t, s, in))

	require.NoError(t, s.Transfer(fresh, "success"))
	require.NoError(t, s.Transfer(in, "success"))
	require.NoError(t, s.Commit(h.ctx))

	assert.Equal(t, int64(0), h.claims.Count(seeded.Content.Claim))
	assert.Equal(t, 1, h.claims.Flush(h.ctx))
	assert.False(t, h.exists(seeded.Content.Claim))
}

func TestSession_Attributes(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	parent, err := s.Create()
	require.NoError(t, err)
	_, err = s.PutAllAttributes(parent, map[string]string{"b": "2", "a": "1", flowfile.AttrUUID: "ignored"})
	require.NoError(t, err)
	uuidAttr, _ := parent.Attribute(flowfile.AttrUUID)
	assert.Equal(t, parent.ID.String(), uuidAttr)

	_, err = s.PutAttribute(parent, flowfile.AttrUUID, "x")
	assert.ErrorIs(t, err, flowerr.ErrContractViolation)
	_, err = s.RemoveAttribute(parent, flowfile.AttrUUID)
	assert.ErrorIs(t, err, flowerr.ErrContractViolation)

	_, err = s.RemoveAttribute(parent, "b")
	require.NoError(t, err)

	child, err := s.CreateChild(parent)
	require.NoError(t, err)
	assert.NotEqual(t, parent.ID, child.ID)
	v, ok := child.Attribute("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = child.Attribute("b")
	assert.False(t, ok)
	childUUID, _ := child.Attribute(flowfile.AttrUUID)
	assert.Equal(t, child.ID.String(), childUUID)

	require.NoError(t, s.Rollback(h.ctx))
}

func TestSession_RemovedRecordUnusable(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	r, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.Remove(r))
	assert.True(t, r.Deleted)
	assert.ErrorIs(t, s.Transfer(r, "success"), flowerr.ErrContractViolation)

	foreign := flowfile.New(time.Now())
	assert.ErrorIs(t, s.Transfer(foreign, "success"), flowerr.ErrContractViolation)

	require.NoError(t, s.Commit(h.ctx), "removed records need no relationship")
	assert.Equal(t, 0, h.repo.Stats().Records)
}

func TestSession_RemoveInputWritesTombstone(t *testing.T) {
	h := newHarness(t)
	h.seed("gone")

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)
	require.NoError(t, s.Remove(r))
	assert.True(t, r.Deleted)
	require.NoError(t, s.Commit(h.ctx))

	_, err = h.repo.Get(h.ctx, r.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
	assert.True(t, h.in.IsEmpty())
	assert.True(t, h.out.IsEmpty())
}

func TestSession_RollbackRequeuesInOrder(t *testing.T) {
	h := newHarness(t)
	var ids []flowfile.ID
	for _, d := range []string{"a", "b", "c"} {
		ids = append(ids, h.seed(d).ID)
	}

	s := h.session(procUnit)
	recs, err := s.GetBatch(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	_, err = s.PutAttribute(recs[0], "touched", "yes")
	require.NoError(t, err)
	require.NoError(t, s.Rollback(h.ctx))

	var got []flowfile.ID
	for {
		r, ok := h.in.Poll()
		if !ok {
			break
		}
		_, touched := r.Attribute("touched")
		assert.False(t, touched, "working copy changes are discarded")
		got = append(got, r.ID)
	}
	assert.Equal(t, ids, got)
}

func TestSession_RollbackPenalize(t *testing.T) {
	h := newHarness(t)
	h.seed("slow")

	s := h.sessionWith(procUnit, Config{PenaltyDuration: time.Minute})
	_, err := s.Get()
	require.NoError(t, err)
	require.NoError(t, s.RollbackPenalize(h.ctx))

	next := h.session(procUnit)
	r, err := next.Get()
	require.NoError(t, err)
	assert.Nil(t, r, "penalized record is held back")

	h.clock.Advance(2 * time.Minute)
	r, err = next.Get()
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, next.Rollback(h.ctx))
}

func TestSession_PenalizeOnTransfer(t *testing.T) {
	h := newHarness(t)
	h.seed("retry")

	s := h.sessionWith(procUnit, Config{PenaltyDuration: time.Minute})
	r, err := s.Get()
	require.NoError(t, err)
	_, err = s.Penalize(r)
	require.NoError(t, err)
	require.NoError(t, s.Transfer(r, "success"))
	require.NoError(t, s.Commit(h.ctx))

	_, ok := h.out.Poll()
	assert.False(t, ok)
	h.clock.Advance(time.Minute + time.Second)
	_, ok = h.out.Poll()
	assert.True(t, ok)
}

func TestSession_ReadMissingClaim(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed("gone")
	require.NoError(t, h.store.Remove(h.ctx, seeded.Content.Claim))

	s := h.session(procUnit)
	r, err := s.Get()
	require.NoError(t, err)

	_, err = s.Read(h.ctx, r)
	assert.ErrorIs(t, err, flowerr.ErrClaimNotFound)
	require.NoError(t, s.Rollback(h.ctx))
}

func TestSession_ImportExport(t *testing.T) {
	h := newHarness(t)
	s := h.session(procUnit)

	r, err := s.Create()
	require.NoError(t, err)
	n, err := s.Import(h.ctx, r, strings.NewReader("streamed"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	var buf strings.Builder
	n, err = s.Export(h.ctx, r, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "streamed", buf.String())

	empty, err := s.Create()
	require.NoError(t, err)
	assert.Equal(t, "", readAll(t, s, empty), "no content reads as empty")

	require.NoError(t, s.Rollback(h.ctx))
}

func TestSession_GetRoundRobin(t *testing.T) {
	h := newHarness(t)
	side := h.connection("side", "other", procUnit)

	h.seed("main-1")
	h.seed("main-2")
	extra := h.session("other")
	rec, err := extra.Create()
	require.NoError(t, err)
	require.NoError(t, extra.Transfer(rec, "success"))
	require.NoError(t, extra.Commit(h.ctx))
	require.Equal(t, 1, side.Queued())

	s := h.session(procUnit)
	a, err := s.Get()
	require.NoError(t, err)
	b, err := s.Get()
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)

	assert.True(t, a.Connection != b.Connection, "consecutive gets visit different connections")
	require.NoError(t, s.Rollback(h.ctx))
}

func TestProcessContextYield(t *testing.T) {
	h := newHarness(t)
	pc := flow.NewProcessContext(upstreamUnit, h.reg, h.repos, nil)
	assert.False(t, pc.ShouldYield())
}
