// Package claim implements resource claims: reference-counted handles to
// content stored in a content store.
//
// Many flow file records may share one claim (clones, fan-out). The claim
// tracks how many live records reference it; when the count drops to zero
// the Manager schedules the physical removal of the bytes on a background
// worker.
package claim

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID identifies a claim: a generated key plus an incrementing counter
// disambiguator. IDs are comparable and used as map keys.
type ID struct {
	Key string `cbor:"1,keyasint" json:"key"`
	Seq uint64 `cbor:"2,keyasint" json:"seq"`
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Key == "" && id.Seq == 0
}

// String renders the id as "<key>.<seq>". Backends use it as the physical
// name (file name, object key suffix, database key).
func (id ID) String() string {
	return id.Key + "." + strconv.FormatUint(id.Seq, 10)
}

// ParseID is the inverse of ID.String.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return ID{}, fmt.Errorf("invalid claim id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid claim id %q: %w", s, err)
	}
	return ID{Key: s[:i], Seq: seq}, nil
}

// Generator allocates claim ids. Safe for concurrent use.
type Generator struct {
	counter atomic.Uint64
}

// Next returns a fresh id.
func (g *Generator) Next() ID {
	return ID{Key: uuid.NewString(), Seq: g.counter.Add(1)}
}

// ResourceClaim is a reference-counted handle to a content store location.
//
// The reference count is manipulated with atomic operations only; it is
// touched on every clone, commit and rollback and must never block.
type ResourceClaim struct {
	id      ID
	count   atomic.Int64
	writing atomic.Bool
}

func newResourceClaim(id ID, count int64, writing bool) *ResourceClaim {
	c := &ResourceClaim{id: id}
	c.count.Store(count)
	c.writing.Store(writing)
	return c
}

// ID returns the claim identity.
func (c *ResourceClaim) ID() ID {
	return c.id
}

// Count returns the current reference count.
func (c *ResourceClaim) Count() int64 {
	return c.count.Load()
}

// Writing reports whether the claim is still in use for writing. Once
// sealed, the bytes are immutable.
func (c *ResourceClaim) Writing() bool {
	return c.writing.Load()
}

// Seal clears the writing flag.
func (c *ResourceClaim) Seal() {
	c.writing.Store(false)
}

func (c *ResourceClaim) increment() int64 {
	return c.count.Add(1)
}

// decrement lowers the count, refusing to go below zero.
func (c *ResourceClaim) decrement() (int64, bool) {
	for {
		cur := c.count.Load()
		if cur <= 0 {
			return cur, false
		}
		if c.count.CompareAndSwap(cur, cur-1) {
			return cur - 1, true
		}
	}
}

func (c *ResourceClaim) String() string {
	return fmt.Sprintf("claim[%s refs=%d writing=%v]", c.id, c.Count(), c.Writing())
}
