package testing

import (
	"context"
	"testing"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBasicTests executes create, read, size and existence tests.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Create_Empty", suite.testCreateEmpty)
	t.Run("Create_Unique", suite.testCreateUnique)
	t.Run("Read_Range", suite.testReadRange)
	t.Run("Read_ToEnd", suite.testReadToEnd)
	t.Run("Read_InvalidOffset", suite.testReadInvalidOffset)
	t.Run("Read_NotFound", suite.testReadNotFound)
	t.Run("Size_NotFound", suite.testSizeNotFound)
	t.Run("ContextCancelled", suite.testContextCancelled)
}

func (suite *StoreTestSuite) testCreateEmpty(t *testing.T) {
	s := suite.store(t)

	id := mustCreate(t, s)
	assertExists(t, s, id, true)

	size, err := s.Size(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	assert.Empty(t, mustRead(t, s, id, 0, -1))
}

func (suite *StoreTestSuite) testCreateUnique(t *testing.T) {
	s := suite.store(t)

	seen := make(map[claim.ID]bool)
	for i := 0; i < 20; i++ {
		id := mustCreate(t, s)
		assert.False(t, seen[id], "claim id %s allocated twice", id)
		seen[id] = true
	}
}

func (suite *StoreTestSuite) testReadRange(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)
	mustAppend(t, s, id, []byte("Hello, World!"))

	assert.Equal(t, []byte("World"), mustRead(t, s, id, 7, 5))

	data, err := s.Read(testContext(), id, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), data)
}

func (suite *StoreTestSuite) testReadToEnd(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)
	mustAppend(t, s, id, []byte("Hello, World!"))

	assert.Equal(t, []byte("World!"), mustRead(t, s, id, 7, -1))
	// Length past the end is clipped.
	assert.Equal(t, []byte("World!"), mustRead(t, s, id, 7, 1000))
	assert.Empty(t, mustRead(t, s, id, 13, -1))
}

func (suite *StoreTestSuite) testReadInvalidOffset(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)
	mustAppend(t, s, id, []byte("abc"))

	_, err := s.OpenReader(testContext(), id, 4, 1)
	assert.ErrorIs(t, err, content.ErrInvalidOffset)

	_, err = s.OpenReader(testContext(), id, -1, 1)
	assert.ErrorIs(t, err, content.ErrInvalidOffset)
}

func (suite *StoreTestSuite) testReadNotFound(t *testing.T) {
	s := suite.store(t)
	id := claim.ID{Key: "00000000-0000-0000-0000-000000000000", Seq: 42}

	_, err := s.OpenReader(testContext(), id, 0, -1)
	assert.ErrorIs(t, err, content.ErrContentNotFound)

	_, err = s.Read(testContext(), id, 0, -1)
	assert.ErrorIs(t, err, content.ErrContentNotFound)

	assertExists(t, s, id, false)
}

func (suite *StoreTestSuite) testSizeNotFound(t *testing.T) {
	s := suite.store(t)
	_, err := s.Size(testContext(), claim.ID{Key: "00000000-0000-0000-0000-000000000000", Seq: 1})
	assert.ErrorIs(t, err, content.ErrContentNotFound)
}

func (suite *StoreTestSuite) testContextCancelled(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	_, err := s.Create(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.OpenReader(ctx, id, 0, -1)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.OpenWriter(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
}
