package testing

import (
	"testing"

	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceTests executes restart tests. Only run when Reopen is set.
func (suite *RepositoryTestSuite) RunPersistenceTests(t *testing.T) {
	t.Run("Reopen_RecoversLiveSet", suite.testReopenRecoversLiveSet)
	t.Run("Reopen_AfterCompaction", suite.testReopenAfterCompaction)
	t.Run("Reopen_Idempotent", suite.testReopenIdempotent)
	t.Run("Reopen_SequenceContinues", suite.testReopenSequenceContinues)
}

func (suite *RepositoryTestSuite) testReopenRecoversLiveSet(t *testing.T) {
	r := suite.NewRepository(t)

	a := newRecord("v", "a")
	b := newRecord("v", "b")
	mustAppend(t, r, repository.NewAdd(a), repository.NewAdd(b))
	require.NoError(t, r.Delete(testContext(), b.ID))

	reopened := suite.reopen(t, r)
	assert.Equal(t, map[flowfile.ID]string{a.ID: "a"}, liveSet(t, reopened))
}

func (suite *RepositoryTestSuite) testReopenAfterCompaction(t *testing.T) {
	r := suite.NewRepository(t)

	a := newRecord("v", "a")
	b := newRecord("v", "b")
	mustAppend(t, r, repository.NewAdd(a), repository.NewAdd(b))
	require.NoError(t, r.Compact(testContext()))

	c := newRecord("v", "c")
	mustAppend(t, r, repository.NewAdd(c))
	require.NoError(t, r.Delete(testContext(), a.ID))

	reopened := suite.reopen(t, r)
	assert.Equal(t, map[flowfile.ID]string{b.ID: "b", c.ID: "c"}, liveSet(t, reopened))
}

func (suite *RepositoryTestSuite) testReopenIdempotent(t *testing.T) {
	r := suite.NewRepository(t)

	for _, v := range []string{"a", "b", "c"} {
		mustAppend(t, r, repository.NewAdd(newRecord("v", v)))
	}

	once := suite.Reopen(t, r)
	first := liveSet(t, once)

	twice := suite.reopen(t, once)
	assert.Equal(t, first, liveSet(t, twice))
}

func (suite *RepositoryTestSuite) testReopenSequenceContinues(t *testing.T) {
	r := suite.NewRepository(t)
	last := mustAppend(t, r, repository.NewAdd(newRecord("v", "a")))

	reopened := suite.reopen(t, r)
	next := mustAppend(t, reopened, repository.NewAdd(newRecord("v", "b")))
	assert.Greater(t, next, last)
}
