package testing

import (
	"errors"
	"testing"

	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunOperationTests executes append, get, delete and replay tests.
func (suite *RepositoryTestSuite) RunOperationTests(t *testing.T) {
	t.Run("Append_AssignsSequence", suite.testAppendAssignsSequence)
	t.Run("Append_Update", suite.testAppendUpdate)
	t.Run("Append_InvalidBatch", suite.testAppendInvalidBatch)
	t.Run("Append_MixedBatch", suite.testAppendMixedBatch)
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("Get_ReturnsCopy", suite.testGetReturnsCopy)
	t.Run("Delete_Tombstone", suite.testDeleteTombstone)
	t.Run("Delete_NotFound", suite.testDeleteNotFound)
	t.Run("Replay_LiveRecords", suite.testReplayLiveRecords)
	t.Run("Replay_StopsOnError", suite.testReplayStopsOnError)
	t.Run("Stats", suite.testStats)
}

func (suite *RepositoryTestSuite) testAppendAssignsSequence(t *testing.T) {
	r := suite.repo(t)

	first := mustAppend(t, r, repository.NewAdd(newRecord("v", "1")))
	second := mustAppend(t, r,
		repository.NewAdd(newRecord("v", "2")),
		repository.NewAdd(newRecord("v", "3")),
	)

	assert.Greater(t, first, uint64(0))
	assert.Equal(t, first+2, second)
}

func (suite *RepositoryTestSuite) testAppendUpdate(t *testing.T) {
	r := suite.repo(t)

	rec := newRecord("v", "old")
	mustAppend(t, r, repository.NewAdd(rec))

	updated := rec.Clone()
	updated.Attributes.Set("v", "new")
	updated.Size = 42
	mustAppend(t, r, repository.NewUpdate(updated))

	got, err := r.Get(testContext(), rec.ID)
	require.NoError(t, err)
	v, _ := got.Attribute("v")
	assert.Equal(t, "new", v)
	assert.Equal(t, int64(42), got.Size)
}

func (suite *RepositoryTestSuite) testAppendInvalidBatch(t *testing.T) {
	r := suite.repo(t)

	good := newRecord("v", "1")
	bad := repository.Entry{Op: repository.OpAdd, RecordID: good.ID}

	_, err := r.Append(testContext(), []repository.Entry{repository.NewAdd(good), bad})
	assert.ErrorIs(t, err, flowerr.ErrInvalidArgument)

	_, err = r.Append(testContext(), nil)
	assert.ErrorIs(t, err, flowerr.ErrInvalidArgument)

	// Nothing from the rejected batch is visible.
	_, err = r.Get(testContext(), good.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func (suite *RepositoryTestSuite) testAppendMixedBatch(t *testing.T) {
	r := suite.repo(t)

	a := newRecord("v", "a")
	b := newRecord("v", "b")
	mustAppend(t, r, repository.NewAdd(a))

	aUpdated := a.Clone()
	aUpdated.Attributes.Set("v", "a2")
	mustAppend(t, r,
		repository.NewUpdate(aUpdated),
		repository.NewAdd(b),
		repository.NewDelete(b.ID),
	)

	assert.Equal(t, map[flowfile.ID]string{a.ID: "a2"}, liveSet(t, r))
}

func (suite *RepositoryTestSuite) testGetNotFound(t *testing.T) {
	r := suite.repo(t)

	_, err := r.Get(testContext(), newRecord("v", "x").ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func (suite *RepositoryTestSuite) testGetReturnsCopy(t *testing.T) {
	r := suite.repo(t)

	rec := newRecord("v", "original")
	mustAppend(t, r, repository.NewAdd(rec))

	// Mutating the appended record or a fetched copy must not leak in.
	rec.Attributes.Set("v", "mutated-after-append")
	got, err := r.Get(testContext(), rec.ID)
	require.NoError(t, err)
	got.Attributes.Set("v", "mutated-after-get")

	again, err := r.Get(testContext(), rec.ID)
	require.NoError(t, err)
	v, _ := again.Attribute("v")
	assert.Equal(t, "original", v)
}

func (suite *RepositoryTestSuite) testDeleteTombstone(t *testing.T) {
	r := suite.repo(t)

	rec := newRecord("v", "1")
	mustAppend(t, r, repository.NewAdd(rec))

	require.NoError(t, r.Delete(testContext(), rec.ID))

	_, err := r.Get(testContext(), rec.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
	assert.Empty(t, liveSet(t, r))
}

func (suite *RepositoryTestSuite) testDeleteNotFound(t *testing.T) {
	r := suite.repo(t)

	err := r.Delete(testContext(), newRecord("v", "1").ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func (suite *RepositoryTestSuite) testReplayLiveRecords(t *testing.T) {
	r := suite.repo(t)

	want := make(map[flowfile.ID]string)
	for _, v := range []string{"a", "b", "c", "d"} {
		rec := newRecord("v", v)
		mustAppend(t, r, repository.NewAdd(rec))
		want[rec.ID] = v
	}

	for id, v := range want {
		if v == "b" {
			require.NoError(t, r.Delete(testContext(), id))
			delete(want, id)
		}
	}

	assert.Equal(t, want, liveSet(t, r))
}

func (suite *RepositoryTestSuite) testReplayStopsOnError(t *testing.T) {
	r := suite.repo(t)
	mustAppend(t, r,
		repository.NewAdd(newRecord("v", "1")),
		repository.NewAdd(newRecord("v", "2")),
	)

	stop := errors.New("stop")
	calls := 0
	err := r.Replay(testContext(), func(*flowfile.Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func (suite *RepositoryTestSuite) testStats(t *testing.T) {
	r := suite.repo(t)

	a := newRecord("v", "1")
	last := mustAppend(t, r, repository.NewAdd(a), repository.NewAdd(newRecord("v", "2")))
	require.NoError(t, r.Delete(testContext(), a.ID))

	stats := r.Stats()
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, last+1, stats.LastSeq)
}
