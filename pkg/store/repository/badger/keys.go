package badger

import (
	"encoding/binary"

	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// Key Namespace
// =============
//
// Data Type      Prefix   Key Format        Value
// =================================================
// Record         "r:"     r:<uuid>          flowfile.Record (CBOR)
// Sequence       "m:"     m:seq             uint64 BE
//
// DELETE entries delete the record key; there are no tombstones to
// compact. Value log space is reclaimed by Compact.

const (
	prefixRecord = "r:"
	keySeq       = "m:seq"
)

func keyRecord(id flowfile.ID) []byte {
	return []byte(prefixRecord + id.String())
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
