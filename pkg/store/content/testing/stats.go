package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStatsTests executes Stats tests.
func (suite *StoreTestSuite) RunStatsTests(t *testing.T) {
	t.Run("Stats_Empty", suite.testStatsEmpty)
	t.Run("Stats_Counts", suite.testStatsCounts)
}

func (suite *StoreTestSuite) testStatsEmpty(t *testing.T) {
	s := suite.store(t)

	stats, err := s.Stats(testContext())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Claims)
	assert.Equal(t, int64(0), stats.TotalBytes)
}

func (suite *StoreTestSuite) testStatsCounts(t *testing.T) {
	s := suite.store(t)

	a := mustCreate(t, s)
	mustAppend(t, s, a, []byte("12345"))
	b := mustCreate(t, s)
	mustAppend(t, s, b, []byte("123"))

	stats, err := s.Stats(testContext())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Claims)
	assert.Equal(t, int64(8), stats.TotalBytes)
}
