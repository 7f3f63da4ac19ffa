package testing

import (
	"context"
	"io"
	"testing"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite is a test suite for content.Store implementations.
// It tests the interface contract, not implementation details, making it
// reusable across backends (memory, fs, badger, s3).
//
// Usage:
//
//	func TestMyContentStore(t *testing.T) {
//	    suite := &contenttesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) content.Store {
//	            return mystore.New(t.TempDir())
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh store for each test. Stores are closed by
	// the suite.
	NewStore func(t *testing.T) content.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("WriteOperations", suite.RunWriteTests)
	t.Run("GarbageCollection", suite.RunGCTests)
	t.Run("Statistics", suite.RunStatsTests)
}

func (suite *StoreTestSuite) store(t *testing.T) content.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testContext returns a standard test context.
func testContext() context.Context {
	return context.Background()
}

// mustCreate allocates a claim and fails the test if it errors.
func mustCreate(t *testing.T, s content.Store) claim.ID {
	t.Helper()
	id, err := s.Create(testContext())
	require.NoError(t, err, "Create should succeed")
	return id
}

// mustAppend writes data through a fresh writer.
func mustAppend(t *testing.T, s content.Store, id claim.ID, data []byte) {
	t.Helper()
	w, err := s.OpenWriter(testContext(), id)
	require.NoError(t, err, "OpenWriter should succeed")
	_, err = w.Write(data)
	require.NoError(t, err, "Write should succeed")
	require.NoError(t, w.Close(), "Close should succeed")
}

// mustRead reads a range and fails the test if it errors.
func mustRead(t *testing.T, s content.Store, id claim.ID, offset, length int64) []byte {
	t.Helper()
	r, err := s.OpenReader(testContext(), id, offset, length)
	require.NoError(t, err, "OpenReader should succeed")
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err, "Reading content should succeed")
	return data
}

// assertExists checks claim existence.
func assertExists(t *testing.T, s content.Store, id claim.ID, expected bool) {
	t.Helper()
	exists, err := s.Exists(testContext(), id)
	require.NoError(t, err, "Exists should not error")
	assert.Equal(t, expected, exists, "Content existence mismatch")
}
