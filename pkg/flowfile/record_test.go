package flowfile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/internal/codec"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes_OrderPreserved(t *testing.T) {
	var a Attributes
	a.Set("z", "1")
	a.Set("a", "2")
	a.Set("m", "3")
	a.Set("z", "4")

	assert.Equal(t, []string{"z", "a", "m"}, a.Keys())
	v, ok := a.Get("z")
	assert.True(t, ok)
	assert.Equal(t, "4", v)

	assert.True(t, a.Remove("a"))
	assert.False(t, a.Remove("a"))
	assert.Equal(t, []string{"z", "m"}, a.Keys())
}

func TestAttributes_CloneIsDeep(t *testing.T) {
	a := NewAttributes(Attribute{"k", "v"})
	b := a.Clone()
	b.Set("k", "changed")
	b.Set("other", "x")

	v, _ := a.Get("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, a.Len())
}

func TestAttributes_CBORKeepsOrder(t *testing.T) {
	a := NewAttributes(Attribute{"b", "1"}, Attribute{"a", "2"}, Attribute{"c", "3"})

	data, err := codec.Marshal(a)
	require.NoError(t, err)

	var out Attributes
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, a.Pairs(), out.Pairs())
}

func TestAttributes_JSON(t *testing.T) {
	a := NewAttributes(Attribute{"b", "1"}, Attribute{"a", "2"})

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"key":"b","value":"1"},{"key":"a","value":"2"}]`, string(data))
}

func TestNew_CoreAttributes(t *testing.T) {
	now := time.Now()
	r := New(now)

	id, ok := r.Attribute(AttrUUID)
	require.True(t, ok)
	assert.Equal(t, r.ID.String(), id)

	name, ok := r.Attribute(AttrFilename)
	require.True(t, ok)
	assert.Equal(t, r.ID.String(), name)

	assert.Equal(t, now, r.EntryDate)
	assert.False(t, r.HasContent())
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := New(time.Now())
	r.Content = &ContentRef{Claim: claim.ID{Key: "k", Seq: 1}, Offset: 0, Length: 10}

	c := r.Clone()
	c.Content.Length = 5
	c.Attributes.Set("x", "y")

	assert.Equal(t, int64(10), r.Content.Length)
	_, ok := r.Attribute("x")
	assert.False(t, ok)
	assert.Equal(t, r.ID, c.ID)
}

func TestRecord_CBORRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	r := New(now)
	r.Attributes.Set("a", "1")
	r.Size = 100
	r.Content = &ContentRef{Claim: claim.ID{Key: "k", Seq: 7}, Offset: 4, Length: 100}
	r.QueueDate = now.Add(time.Second)
	r.Expiration = time.Minute
	r.Connection = "conn-1"

	data, err := codec.Marshal(r)
	require.NoError(t, err)

	var out Record
	require.NoError(t, codec.Unmarshal(data, &out))

	assert.Equal(t, r.ID, out.ID)
	assert.Equal(t, r.Attributes.Pairs(), out.Attributes.Pairs())
	assert.Equal(t, *r.Content, *out.Content)
	assert.True(t, r.EntryDate.Equal(out.EntryDate))
	assert.True(t, r.QueueDate.Equal(out.QueueDate))
	assert.Equal(t, r.Expiration, out.Expiration)
	assert.Equal(t, r.Connection, out.Connection)
}

func TestRecord_ExpiredAndPenalized(t *testing.T) {
	now := time.Now()
	r := New(now)

	assert.False(t, r.Expired(now.Add(time.Hour)), "zero expiration never expires")

	r.Expiration = time.Second
	r.QueueDate = now
	assert.False(t, r.Expired(now.Add(500*time.Millisecond)))
	assert.True(t, r.Expired(now.Add(2*time.Second)))

	r.Penalized = true
	r.PenaltyExpiration = now.Add(time.Second)
	assert.True(t, r.IsPenalized(now))
	assert.False(t, r.IsPenalized(now.Add(2*time.Second)))
}

func TestRecord_Priority(t *testing.T) {
	r := New(time.Now())
	_, ok := r.Priority()
	assert.False(t, ok)

	r.Attributes.Set(AttrPriority, "3")
	p, ok := r.Priority()
	assert.True(t, ok)
	assert.Equal(t, int64(3), p)

	r.Attributes.Set(AttrPriority, "high")
	_, ok = r.Priority()
	assert.False(t, ok)
}
