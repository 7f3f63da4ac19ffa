package repository

import (
	"fmt"

	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// Op is the kind of mutation an Entry records.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Entry is one record mutation in the log.
//
// Wire format (CBOR map with integer keys):
//
//	1: seq       uint64
//	2: op        uint8 (1=ADD, 2=UPDATE, 3=DELETE)
//	3: record_id 16-byte UUID
//	4: record    flowfile.Record (absent for DELETE)
type Entry struct {
	Seq      uint64           `cbor:"1,keyasint"`
	Op       Op               `cbor:"2,keyasint"`
	RecordID flowfile.ID      `cbor:"3,keyasint"`
	Record   *flowfile.Record `cbor:"4,keyasint,omitempty"`
}

// NewAdd returns an ADD entry for rec.
func NewAdd(rec *flowfile.Record) Entry {
	return Entry{Op: OpAdd, RecordID: rec.ID, Record: rec}
}

// NewUpdate returns an UPDATE entry for rec.
func NewUpdate(rec *flowfile.Record) Entry {
	return Entry{Op: OpUpdate, RecordID: rec.ID, Record: rec}
}

// NewDelete returns a DELETE tombstone for id.
func NewDelete(id flowfile.ID) Entry {
	return Entry{Op: OpDelete, RecordID: id}
}

// Validate checks the entry shape.
func (e Entry) Validate() error {
	switch e.Op {
	case OpAdd, OpUpdate:
		if e.Record == nil {
			return flowerr.New(flowerr.InvalidArgument, "repository.Append", "%s entry for %s has no record", e.Op, e.RecordID)
		}
		if e.Record.ID != e.RecordID {
			return flowerr.New(flowerr.InvalidArgument, "repository.Append", "%s entry id %s does not match record %s", e.Op, e.RecordID, e.Record.ID)
		}
	case OpDelete:
	default:
		return flowerr.New(flowerr.InvalidArgument, "repository.Append", "unknown op %d", uint8(e.Op))
	}
	return nil
}

// ValidateBatch validates every entry of a batch.
func ValidateBatch(entries []Entry) error {
	if len(entries) == 0 {
		return flowerr.New(flowerr.InvalidArgument, "repository.Append", "empty batch")
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}
