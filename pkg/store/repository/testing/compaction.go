package testing

import (
	"testing"

	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunCompactionTests executes compaction tests.
func (suite *RepositoryTestSuite) RunCompactionTests(t *testing.T) {
	t.Run("Compact_PreservesLiveSet", suite.testCompactPreservesLiveSet)
	t.Run("Compact_Empty", suite.testCompactEmpty)
	t.Run("Compact_AppendAfter", suite.testCompactAppendAfter)
}

func (suite *RepositoryTestSuite) testCompactPreservesLiveSet(t *testing.T) {
	r := suite.repo(t)

	want := make(map[flowfile.ID]string)
	for i := 0; i < 50; i++ {
		rec := newRecord("v", string(rune('a'+i%26)))
		mustAppend(t, r, repository.NewAdd(rec))
		if i%3 == 0 {
			require.NoError(t, r.Delete(testContext(), rec.ID))
			continue
		}
		want[rec.ID] = string(rune('a' + i%26))
	}

	require.NoError(t, r.Compact(testContext()))
	assert.Equal(t, want, liveSet(t, r))
	assert.Equal(t, int64(0), r.Stats().EntriesSinceCompaction)
}

func (suite *RepositoryTestSuite) testCompactEmpty(t *testing.T) {
	r := suite.repo(t)
	require.NoError(t, r.Compact(testContext()))
	assert.Empty(t, liveSet(t, r))
}

func (suite *RepositoryTestSuite) testCompactAppendAfter(t *testing.T) {
	r := suite.repo(t)

	a := newRecord("v", "a")
	mustAppend(t, r, repository.NewAdd(a))
	require.NoError(t, r.Compact(testContext()))

	b := newRecord("v", "b")
	seq := mustAppend(t, r, repository.NewAdd(b))
	assert.Greater(t, seq, uint64(1))

	assert.Equal(t, map[flowfile.ID]string{a.ID: "a", b.ID: "b"}, liveSet(t, r))
}
