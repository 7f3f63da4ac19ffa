package testing

import (
	"bytes"
	"io"
	"testing"

	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunWriteTests executes append stream tests.
func (suite *StoreTestSuite) RunWriteTests(t *testing.T) {
	t.Run("Write_Basic", suite.testWriteBasic)
	t.Run("Write_AppendAcrossWriters", suite.testWriteAppendAcrossWriters)
	t.Run("Write_Large", suite.testWriteLarge)
	t.Run("Write_SingleWriter", suite.testWriteSingleWriter)
	t.Run("Write_NotFound", suite.testWriteNotFound)
	t.Run("Write_ReadersUnaffected", suite.testWriteReadersUnaffected)
	t.Run("Write_EmptyImport", suite.testWriteEmptyImport)
}

func (suite *StoreTestSuite) testWriteBasic(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	w, err := s.OpenWriter(testContext(), id)
	require.NoError(t, err)
	_, err = w.Write([]byte("Hello"))
	require.NoError(t, err)
	_, err = w.Write([]byte(", World"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, []byte("Hello, World"), mustRead(t, s, id, 0, -1))

	size, err := s.Size(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
}

func (suite *StoreTestSuite) testWriteAppendAcrossWriters(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	mustAppend(t, s, id, []byte("first|"))
	mustAppend(t, s, id, []byte("second"))

	assert.Equal(t, []byte("first|second"), mustRead(t, s, id, 0, -1))
	assert.Equal(t, []byte("second"), mustRead(t, s, id, 6, 6))
}

func (suite *StoreTestSuite) testWriteLarge(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	data := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1MiB
	w, err := s.OpenWriter(testContext(), id)
	require.NoError(t, err)
	_, err = io.Copy(w, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, data, mustRead(t, s, id, 0, -1))
	assert.Equal(t, data[500000:500100], mustRead(t, s, id, 500000, 100))
}

func (suite *StoreTestSuite) testWriteSingleWriter(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	w, err := s.OpenWriter(testContext(), id)
	require.NoError(t, err)

	_, err = s.OpenWriter(testContext(), id)
	assert.ErrorIs(t, err, content.ErrClaimBusy)

	require.NoError(t, w.Close())

	w2, err := s.OpenWriter(testContext(), id)
	require.NoError(t, err, "claim is writable again after the first writer closed")
	require.NoError(t, w2.Close())
}

func (suite *StoreTestSuite) testWriteNotFound(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)
	require.NoError(t, s.Remove(testContext(), id))

	_, err := s.OpenWriter(testContext(), id)
	assert.ErrorIs(t, err, content.ErrContentNotFound)
}

func (suite *StoreTestSuite) testWriteReadersUnaffected(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)
	mustAppend(t, s, id, []byte("stable"))

	r, err := s.OpenReader(testContext(), id, 0, 6)
	require.NoError(t, err)
	defer r.Close()

	mustAppend(t, s, id, []byte("-more"))

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), data)
}

func (suite *StoreTestSuite) testWriteEmptyImport(t *testing.T) {
	s := suite.store(t)
	id := mustCreate(t, s)

	w, err := s.OpenWriter(testContext(), id)
	require.NoError(t, err)
	n, err := io.Copy(w, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	require.NoError(t, w.Close())

	size, err := s.Size(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assertExists(t, s, id, true)
}
