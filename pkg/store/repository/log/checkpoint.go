package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/marmos91/edgeflow/internal/codec"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

const (
	checkpointFile = "checkpoint"
	tmpSuffix      = ".tmp"
)

// checkpoint is the marker read on startup before log replay. Entries with
// a sequence number at or below Seq are covered by Snapshot and skipped.
type checkpoint struct {
	Seq      uint64 `cbor:"1,keyasint"`
	Snapshot string `cbor:"2,keyasint,omitempty"`
}

func snapshotName(seq uint64) string {
	return fmt.Sprintf("snapshot-%020d.zst", seq)
}

// readCheckpoint loads the checkpoint of dir. A missing file yields the
// zero checkpoint.
func readCheckpoint(dir string) (checkpoint, error) {
	var cp checkpoint

	data, err := os.ReadFile(filepath.Join(dir, checkpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}
	if err := codec.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// writeCheckpoint atomically replaces the checkpoint of dir.
func writeCheckpoint(dir string, cp checkpoint) error {
	data, err := codec.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return writeFileAtomic(dir, checkpointFile, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// writeSnapshot stores the live records as a zstd-compressed stream of ADD
// entries.
func writeSnapshot(dir, name string, seq uint64, records []*flowfile.Record) error {
	return writeFileAtomic(dir, name, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		enc := codec.NewEncoder(zw)
		for _, rec := range records {
			e := repository.NewAdd(rec)
			e.Seq = seq
			if err := enc.Encode(e); err != nil {
				_ = zw.Close()
				return fmt.Errorf("encode snapshot entry: %w", err)
			}
		}
		return zw.Close()
	})
}

// readSnapshot streams the entries of a snapshot to fn.
func readSnapshot(path string, fn func(repository.Entry)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	dec := codec.NewDecoder(zr)
	n := 0
	for {
		var e repository.Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("decode snapshot entry %d: %w", n, err)
		}
		if err := e.Validate(); err != nil {
			return n, fmt.Errorf("snapshot entry %d: %w", n, err)
		}
		fn(e)
		n++
	}
}

// writeFileAtomic writes name through a temporary file, fsyncs it and
// renames it into place.
func writeFileAtomic(dir, name string, write func(io.Writer) error) (err error) {
	tmp := filepath.Join(dir, name+tmpSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return err
	}
	return syncDir(dir)
}

// removeTempFiles deletes leftovers of interrupted atomic writes.
func removeTempFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+tmpSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
