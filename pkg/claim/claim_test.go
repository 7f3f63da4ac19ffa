package claim

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_StringRoundTrip(t *testing.T) {
	var gen Generator
	id := gen.Next()

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.False(t, parsed.IsZero())
}

func TestParseID_Invalid(t *testing.T) {
	for _, s := range []string{"", "nodot", ".5", "abc.", "abc.x"} {
		_, err := ParseID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestGenerator_Unique(t *testing.T) {
	var gen Generator
	a, b := gen.Next(), gen.Next()

	assert.NotEqual(t, a, b)
	assert.Equal(t, a.Seq+1, b.Seq)
}

func TestResourceClaim_NeverNegative(t *testing.T) {
	c := newResourceClaim(ID{Key: "k", Seq: 1}, 1, false)

	n, ok := c.decrement()
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)

	n, ok = c.decrement()
	assert.False(t, ok)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int64(0), c.Count())
}

func TestResourceClaim_ConcurrentCounts(t *testing.T) {
	c := newResourceClaim(ID{Key: "k", Seq: 1}, 0, false)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.increment()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), c.Count())

	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.decrement()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), c.Count())
}

func TestResourceClaim_Seal(t *testing.T) {
	c := newResourceClaim(ID{Key: "k", Seq: 1}, 0, true)
	assert.True(t, c.Writing())
	c.Seal()
	assert.False(t, c.Writing())
}
