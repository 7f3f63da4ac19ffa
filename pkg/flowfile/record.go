// Package flowfile defines the flow file record: the unit of data moving
// between processing units.
//
// A record carries ordered string attributes and an optional reference to a
// byte range inside a resource claim. Records are immutable from the point of
// view of everything except the processing session, which works on clones
// and publishes them at commit.
package flowfile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/edgeflow/pkg/claim"
)

// Core attribute keys.
const (
	// AttrUUID always holds the record id. It cannot be removed or changed.
	AttrUUID = "uuid"

	// AttrFilename defaults to the record id on creation.
	AttrFilename = "filename"

	// AttrPath is the logical directory of the record. Defaults to "./".
	AttrPath = "path"

	// AttrPriority is read by the priority prioritizer (lower first).
	AttrPriority = "priority"
)

// ID identifies a record.
type ID = uuid.UUID

// ContentRef points at a byte range inside a claim.
type ContentRef struct {
	Claim  claim.ID `cbor:"1,keyasint" json:"claim"`
	Offset int64    `cbor:"2,keyasint" json:"offset"`
	Length int64    `cbor:"3,keyasint" json:"length"`
}

func (r ContentRef) String() string {
	return fmt.Sprintf("%s[%d:%d]", r.Claim, r.Offset, r.Offset+r.Length)
}

// Record is a flow file.
type Record struct {
	ID         ID          `cbor:"1,keyasint" json:"id"`
	Attributes Attributes  `cbor:"2,keyasint" json:"attributes"`
	Size       int64       `cbor:"3,keyasint" json:"size"`
	Content    *ContentRef `cbor:"4,keyasint,omitempty" json:"content,omitempty"`

	// Penalized records are skipped by Poll until PenaltyExpiration.
	Penalized         bool      `cbor:"5,keyasint,omitempty" json:"penalized,omitempty"`
	PenaltyExpiration time.Time `cbor:"6,keyasint" json:"penalty_expiration,omitzero"`

	// Deleted marks a working copy removed by a session. A deleted record
	// is never persisted; the repository gets a DELETE tombstone instead.
	Deleted bool `cbor:"7,keyasint,omitempty" json:"deleted,omitempty"`

	EntryDate    time.Time `cbor:"8,keyasint" json:"entry_date"`
	LineageStart time.Time `cbor:"9,keyasint" json:"lineage_start"`

	// QueueDate is when the record entered its current connection.
	QueueDate time.Time `cbor:"10,keyasint" json:"queue_date,omitzero"`

	// QueueSeq orders records placed with the same QueueDate, such as the
	// outputs of one commit.
	QueueSeq uint64 `cbor:"13,keyasint,omitempty" json:"queue_seq,omitempty"`

	// Expiration is how long the record may wait in a queue. Zero never
	// expires.
	Expiration time.Duration `cbor:"11,keyasint,omitempty" json:"expiration,omitempty"`

	// Connection is the id of the queue currently holding the record.
	// Recovery uses it to put replayed records back where they were.
	Connection string `cbor:"12,keyasint,omitempty" json:"connection,omitempty"`
}

// New creates an empty record with a fresh id.
func New(now time.Time) *Record {
	id := uuid.New()
	r := &Record{
		ID:           id,
		EntryDate:    now,
		LineageStart: now,
	}
	r.Attributes.Set(AttrUUID, id.String())
	r.Attributes.Set(AttrFilename, id.String())
	r.Attributes.Set(AttrPath, "./")
	return r
}

// Clone returns a deep copy with the same id.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = r.Attributes.Clone()
	if r.Content != nil {
		ref := *r.Content
		c.Content = &ref
	}
	return &c
}

// Attribute returns the value of key.
func (r *Record) Attribute(key string) (string, bool) {
	return r.Attributes.Get(key)
}

// Priority parses the priority attribute. Records without a numeric
// priority sort after every record that has one.
func (r *Record) Priority() (int64, bool) {
	v, ok := r.Attributes.Get(AttrPriority)
	if !ok {
		return 0, false
	}
	p, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return p, true
}

// HasContent reports whether the record references any bytes.
func (r *Record) HasContent() bool {
	return r.Content != nil
}

// IsPenalized reports whether the record is still under penalty at now.
func (r *Record) IsPenalized(now time.Time) bool {
	return r.Penalized && now.Before(r.PenaltyExpiration)
}

// Expired reports whether the record has waited in its queue longer than
// its expiration.
func (r *Record) Expired(now time.Time) bool {
	if r.Expiration <= 0 || r.QueueDate.IsZero() {
		return false
	}
	return now.Sub(r.QueueDate) > r.Expiration
}

func (r *Record) String() string {
	if r.Content == nil {
		return fmt.Sprintf("flowfile[%s size=%d]", r.ID, r.Size)
	}
	return fmt.Sprintf("flowfile[%s size=%d content=%s]", r.ID, r.Size, r.Content)
}
