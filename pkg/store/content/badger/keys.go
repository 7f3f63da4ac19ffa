package badger

import (
	"encoding/binary"
	"strings"

	"github.com/marmos91/edgeflow/pkg/claim"
)

// Key Namespace
// =============
//
// Data Type      Prefix   Key Format                     Value
// ================================================================
// Claim meta     "m:"     m:<claim>                      claimMeta (CBOR)
// Claim chunk    "c:"     c:<claim>:<index uint64 BE>    chunk (tag + payload)
//
// A claim's bytes are split in fixed size chunks so appends only rewrite
// the trailing partial chunk. The big-endian index keeps chunks of one
// claim sorted for prefix iteration.

const (
	prefixMeta  = "m:"
	prefixChunk = "c:"
)

func keyMeta(id claim.ID) []byte {
	return []byte(prefixMeta + id.String())
}

func keyChunkPrefix(id claim.ID) []byte {
	return []byte(prefixChunk + id.String() + ":")
}

func keyChunk(id claim.ID, index uint64) []byte {
	prefix := keyChunkPrefix(id)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], index)
	return key
}

// parseMetaKey extracts the claim id from an m: key.
func parseMetaKey(key []byte) (claim.ID, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixMeta) {
		return claim.ID{}, false
	}
	id, err := claim.ParseID(s[len(prefixMeta):])
	if err != nil {
		return claim.ID{}, false
	}
	return id, true
}
