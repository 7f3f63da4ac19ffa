package badger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Chunk value layout:
//
//	tagRaw:  [0x00][payload]
//	tagLZ4:  [0x01][uvarint raw length][lz4 block]
const (
	tagRaw byte = 0
	tagLZ4 byte = 1
)

var errIncompressible = errors.New("incompressible")

func encodeChunk(data []byte, compress bool) []byte {
	if compress {
		if compressed, err := compressLZ4(data); err == nil {
			out := make([]byte, 1+binary.MaxVarintLen64+len(compressed))
			out[0] = tagLZ4
			n := binary.PutUvarint(out[1:], uint64(len(data)))
			copy(out[1+n:], compressed)
			return out[:1+n+len(compressed)]
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = tagRaw
	copy(out[1:], data)
	return out
}

func decodeChunk(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty chunk value")
	}

	switch value[0] {
	case tagRaw:
		out := make([]byte, len(value)-1)
		copy(out, value[1:])
		return out, nil

	case tagLZ4:
		rawLen, n := binary.Uvarint(value[1:])
		if n <= 0 {
			return nil, fmt.Errorf("corrupt chunk length")
		}
		return decompressLZ4(value[1+n:], int(rawLen))

	default:
		return nil, fmt.Errorf("unsupported chunk tag: %d", value[0])
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}

	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}
