package log

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marmos91/edgeflow/internal/codec"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	"github.com/zeebo/blake3"
)

// Frame layout:
//
//	+----------------+----------------------+-----------------------+
//	| length (4, BE) | blake3-256 (32 bytes)| CBOR []Entry (length) |
//	+----------------+----------------------+-----------------------+
//
// One frame holds one Append batch, so a batch is either fully readable or
// discarded as a whole.
const (
	frameHeaderSize = 4 + 32

	// maxFrameSize rejects absurd lengths read from a torn header.
	maxFrameSize = 64 << 20

	segmentPrefix = "segment-"
	segmentSuffix = ".log"
)

// errCorruptFrame marks a frame that failed length, checksum or decoding.
var errCorruptFrame = errors.New("corrupt frame")

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, firstSeq, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), "%d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// segmentInfo describes a closed segment file.
type segmentInfo struct {
	firstSeq uint64
	path     string
}

// listSegments returns the segment files of dir ordered by first sequence.
func listSegments(dir string) ([]segmentInfo, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []segmentInfo
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		seq, ok := parseSegmentName(de.Name())
		if !ok {
			continue
		}
		out = append(out, segmentInfo{firstSeq: seq, path: filepath.Join(dir, de.Name())})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].firstSeq < out[j].firstSeq })
	return out, nil
}

// encodeFrame serializes a batch into a frame.
func encodeFrame(batch []repository.Entry) ([]byte, error) {
	payload, err := codec.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("batch of %d bytes exceeds frame limit %d", len(payload), maxFrameSize)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	sum := blake3.Sum256(payload)
	copy(frame[4:frameHeaderSize], sum[:])
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// scanResult reports how far a segment could be read.
type scanResult struct {
	// valid is the offset just past the last intact frame
	valid int64

	// corruption is non-nil when the segment ends in a damaged frame
	corruption error

	frames int
	maxSeq uint64
}

// scanSegment reads every intact frame of the segment at path and passes
// its batch to fn. Reading stops at the first damaged frame; the damage is
// reported in the result rather than as an error. The returned error is
// reserved for I/O failures and errors from fn.
func scanSegment(path string, fn func([]repository.Entry) error) (scanResult, error) {
	var res scanResult

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64<<10)
	header := make([]byte, frameHeaderSize)

	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				res.corruption = fmt.Errorf("%w at offset %d: torn header", errCorruptFrame, res.valid)
				return res, nil
			}
			return res, err
		}

		length := binary.BigEndian.Uint32(header[0:4])
		if length > maxFrameSize {
			res.corruption = fmt.Errorf("%w at offset %d: length %d exceeds limit", errCorruptFrame, res.valid, length)
			return res, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				res.corruption = fmt.Errorf("%w at offset %d: torn payload", errCorruptFrame, res.valid)
				return res, nil
			}
			return res, err
		}

		sum := blake3.Sum256(payload)
		if string(sum[:]) != string(header[4:frameHeaderSize]) {
			res.corruption = fmt.Errorf("%w at offset %d: checksum mismatch", errCorruptFrame, res.valid)
			return res, nil
		}

		var batch []repository.Entry
		if err := codec.Unmarshal(payload, &batch); err != nil {
			res.corruption = fmt.Errorf("%w at offset %d: %v", errCorruptFrame, res.valid, err)
			return res, nil
		}
		if err := repository.ValidateBatch(batch); err != nil {
			res.corruption = fmt.Errorf("%w at offset %d: %v", errCorruptFrame, res.valid, err)
			return res, nil
		}

		if err := fn(batch); err != nil {
			return res, err
		}

		res.valid += int64(frameHeaderSize) + int64(length)
		res.frames++
		if last := batch[len(batch)-1].Seq; last > res.maxSeq {
			res.maxSeq = last
		}
	}
}

// segmentWriter appends frames to the active segment.
type segmentWriter struct {
	f        *os.File
	path     string
	firstSeq uint64
	size     int64
	sync     bool
}

func openSegmentWriter(dir string, firstSeq uint64, sync bool) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentName(firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if sync {
		if err := syncDir(dir); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &segmentWriter{f: f, path: path, firstSeq: firstSeq, size: info.Size(), sync: sync}, nil
}

// append writes one frame. On failure the file is truncated back to its
// previous size so a partial frame never survives.
func (w *segmentWriter) append(frame []byte) error {
	n, err := w.f.Write(frame)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	if err == nil && w.sync {
		err = w.f.Sync()
	}
	if err != nil {
		if terr := w.f.Truncate(w.size); terr != nil {
			return fmt.Errorf("%w (truncate after failed write: %v)", err, terr)
		}
		return err
	}
	w.size += int64(n)
	return nil
}

func (w *segmentWriter) close() error {
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// syncDir makes renames and file creations in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
