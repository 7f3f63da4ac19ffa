package repository

import (
	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// Index is the live record set reconstructed from entries. Applying the
// same entry twice leaves the index unchanged, which makes replay
// idempotent.
//
// Not safe for concurrent use; backends guard it with their own lock.
type Index struct {
	records map[flowfile.ID]*flowfile.Record
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{records: make(map[flowfile.ID]*flowfile.Record)}
}

// Apply applies one entry. Records are cloned so the caller keeps
// ownership of its copy.
func (x *Index) Apply(e Entry) {
	switch e.Op {
	case OpAdd, OpUpdate:
		if e.Record != nil {
			x.records[e.RecordID] = e.Record.Clone()
		}
	case OpDelete:
		delete(x.records, e.RecordID)
	}
}

// Get returns a copy of the record.
func (x *Index) Get(id flowfile.ID) (*flowfile.Record, bool) {
	r, ok := x.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Contains reports whether id is live.
func (x *Index) Contains(id flowfile.ID) bool {
	_, ok := x.records[id]
	return ok
}

// Len returns the number of live records.
func (x *Index) Len() int {
	return len(x.records)
}

// Records returns copies of every live record.
func (x *Index) Records() []*flowfile.Record {
	out := make([]*flowfile.Record, 0, len(x.records))
	for _, r := range x.records {
		out = append(out, r.Clone())
	}
	return out
}
