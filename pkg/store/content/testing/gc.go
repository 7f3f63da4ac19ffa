package testing

import (
	"testing"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunGCTests executes listing and removal tests.
func (suite *StoreTestSuite) RunGCTests(t *testing.T) {
	t.Run("Remove_Success", suite.testRemoveSuccess)
	t.Run("Remove_Idempotent", suite.testRemoveIdempotent)
	t.Run("List_All", suite.testListAll)
}

func (suite *StoreTestSuite) testRemoveSuccess(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)
	mustAppend(t, s, id, []byte("bytes"))

	require.NoError(t, s.Remove(testContext(), id))
	assertExists(t, s, id, false)
}

func (suite *StoreTestSuite) testRemoveIdempotent(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	require.NoError(t, s.Remove(testContext(), id))
	require.NoError(t, s.Remove(testContext(), id))
}

func (suite *StoreTestSuite) testListAll(t *testing.T) {
	s := suite.store(t)

	want := make(map[claim.ID]bool)
	for i := 0; i < 5; i++ {
		id := mustCreate(t, s)
		mustAppend(t, s, id, []byte{byte(i)})
		want[id] = true
	}
	removed := mustCreate(t, s)
	require.NoError(t, s.Remove(testContext(), removed))

	ids, err := s.List(testContext())
	require.NoError(t, err)

	got := make(map[claim.ID]bool)
	for _, id := range ids {
		got[id] = true
	}
	assert.Equal(t, want, got)
}
