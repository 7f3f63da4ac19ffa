package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	"github.com/stretchr/testify/require"
)

// RepositoryTestSuite is a test suite for repository.Repository
// implementations.
//
// Usage:
//
//	func TestMyRepository(t *testing.T) {
//	    suite := &repotesting.RepositoryTestSuite{
//	        NewRepository: func(t *testing.T) repository.Repository {
//	            return myrepo.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type RepositoryTestSuite struct {
	// NewRepository creates a fresh repository for each test. Repositories
	// are closed by the suite.
	NewRepository func(t *testing.T) repository.Repository

	// Reopen closes repo and opens it again on the same storage. Durable
	// backends set it to enable the persistence tests.
	Reopen func(t *testing.T, repo repository.Repository) repository.Repository
}

// Run executes all tests in the suite.
func (suite *RepositoryTestSuite) Run(t *testing.T) {
	t.Run("Operations", suite.RunOperationTests)
	t.Run("Compaction", suite.RunCompactionTests)
	if suite.Reopen != nil {
		t.Run("Persistence", suite.RunPersistenceTests)
	}
}

func (suite *RepositoryTestSuite) repo(t *testing.T) repository.Repository {
	t.Helper()
	r := suite.NewRepository(t)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func (suite *RepositoryTestSuite) reopen(t *testing.T, r repository.Repository) repository.Repository {
	t.Helper()
	reopened := suite.Reopen(t, r)
	t.Cleanup(func() { _ = reopened.Close() })
	return reopened
}

func testContext() context.Context {
	return context.Background()
}

// newRecord builds a record with one attribute.
func newRecord(key, value string) *flowfile.Record {
	r := flowfile.New(time.Now())
	r.Attributes.Set(key, value)
	return r
}

func mustAppend(t *testing.T, r repository.Repository, entries ...repository.Entry) uint64 {
	t.Helper()
	seq, err := r.Append(testContext(), entries)
	require.NoError(t, err, "Append should succeed")
	return seq
}

// liveSet replays the repository into a map of id -> attribute "v".
func liveSet(t *testing.T, r repository.Repository) map[flowfile.ID]string {
	t.Helper()
	out := make(map[flowfile.ID]string)
	err := r.Replay(testContext(), func(rec *flowfile.Record) error {
		v, _ := rec.Attribute("v")
		out[rec.ID] = v
		return nil
	})
	require.NoError(t, err, "Replay should succeed")
	return out
}
