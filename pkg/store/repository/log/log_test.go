package log

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
	repotesting "github.com/marmos91/edgeflow/pkg/store/repository/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepository(t *testing.T, dir string) *LogRepository {
	t.Helper()
	r, err := Open(context.Background(), Config{Dir: dir, Sync: true})
	require.NoError(t, err)
	return r
}

func TestLogRepository(t *testing.T) {
	suite := &repotesting.RepositoryTestSuite{
		NewRepository: func(t *testing.T) repository.Repository {
			return openTestRepository(t, t.TempDir())
		},
		Reopen: func(t *testing.T, repo repository.Repository) repository.Repository {
			r := repo.(*LogRepository)
			require.NoError(t, r.Close())
			return openTestRepository(t, r.cfg.Dir)
		},
	}
	suite.Run(t)
}

func addRecord(t *testing.T, r *LogRepository, value string) *flowfile.Record {
	t.Helper()
	rec := flowfile.New(time.Now())
	rec.Attributes.Set("v", value)
	_, err := r.Append(context.Background(), []repository.Entry{repository.NewAdd(rec)})
	require.NoError(t, err)
	return rec
}

func activePath(t *testing.T, dir string) string {
	t.Helper()
	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	return segments[len(segments)-1].path
}

func TestLogRepository_TornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	r := openTestRepository(t, dir)

	a := addRecord(t, r, "a")
	b := addRecord(t, r, "b")
	require.NoError(t, r.Close())

	path := activePath(t, dir)
	info, err := os.Stat(path)
	require.NoError(t, err)
	validSize := info.Size()

	// A half-written header from a crash mid-append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r = openTestRepository(t, dir)
	stats := r.Stats()
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, int64(1), stats.Corruptions)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, validSize, info.Size(), "segment should be truncated to the last intact frame")

	_, err = r.Get(context.Background(), a.ID)
	assert.NoError(t, err)
	_, err = r.Get(context.Background(), b.ID)
	assert.NoError(t, err)

	c := addRecord(t, r, "c")
	require.NoError(t, r.Close())

	r = openTestRepository(t, dir)
	defer r.Close()
	assert.Equal(t, int64(0), r.Stats().Corruptions)
	_, err = r.Get(context.Background(), c.ID)
	assert.NoError(t, err)
}

func TestLogRepository_ChecksumMismatchDiscardsRestOfSegment(t *testing.T) {
	dir := t.TempDir()
	r := openTestRepository(t, dir)

	a := addRecord(t, r, "a")
	b := addRecord(t, r, "b")
	c := addRecord(t, r, "c")
	require.NoError(t, r.Close())

	// Flip a payload byte of the second frame.
	path := activePath(t, dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var firstLen int64
	_, err = scanSegment(path, func(batch []repository.Entry) error {
		if firstLen == 0 {
			frame, ferr := encodeFrame(batch)
			require.NoError(t, ferr)
			firstLen = int64(len(frame))
		}
		return nil
	})
	require.NoError(t, err)
	data[firstLen+frameHeaderSize+1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	r = openTestRepository(t, dir)
	defer r.Close()

	ctx := context.Background()
	_, err = r.Get(ctx, a.ID)
	assert.NoError(t, err)
	_, err = r.Get(ctx, b.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
	_, err = r.Get(ctx, c.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound, "entries after a damaged frame are discarded")
	assert.Equal(t, int64(1), r.Stats().Corruptions)
}

func TestLogRepository_CorruptionContinuesWithNextSegment(t *testing.T) {
	dir := t.TempDir()
	r := openTestRepository(t, dir)

	a := addRecord(t, r, "a")
	r.mu.Lock()
	require.NoError(t, r.rotateLocked())
	r.mu.Unlock()
	b := addRecord(t, r, "b")
	require.NoError(t, r.Close())

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	data, err := os.ReadFile(segments[0].path)
	require.NoError(t, err)
	data[frameHeaderSize] ^= 0xFF
	require.NoError(t, os.WriteFile(segments[0].path, data, 0644))

	r = openTestRepository(t, dir)
	defer r.Close()

	ctx := context.Background()
	_, err = r.Get(ctx, a.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
	_, err = r.Get(ctx, b.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), r.Stats().Corruptions)
}

func TestLogRepository_ReplayTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := openTestRepository(t, dir)

	a := addRecord(t, r, "a")
	addRecord(t, r, "b")
	require.NoError(t, r.Delete(context.Background(), a.ID))
	require.NoError(t, r.Close())

	path := activePath(t, dir)
	apply := func(index *repository.Index) {
		_, err := scanSegment(path, func(batch []repository.Entry) error {
			for _, e := range batch {
				index.Apply(e)
			}
			return nil
		})
		require.NoError(t, err)
	}

	once := repository.NewIndex()
	apply(once)

	twice := repository.NewIndex()
	apply(twice)
	apply(twice)

	assert.Equal(t, once.Len(), twice.Len())
	for _, rec := range once.Records() {
		got, ok := twice.Get(rec.ID)
		require.True(t, ok)
		assert.Equal(t, rec.Attributes.Map(), got.Attributes.Map())
	}
}

func TestLogRepository_CompactionWritesSnapshotAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	r := openTestRepository(t, dir)
	defer r.Close()

	for _, v := range []string{"a", "b", "c"} {
		addRecord(t, r, v)
	}
	last := r.Stats().LastSeq

	require.NoError(t, r.Compact(context.Background()))

	cp, err := readCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, last, cp.Seq)
	assert.Equal(t, snapshotName(last), cp.Snapshot)
	assert.FileExists(t, filepath.Join(dir, cp.Snapshot))

	segments, err := listSegments(dir)
	require.NoError(t, err)
	assert.Len(t, segments, 1, "only the fresh active segment remains")

	stats := r.Stats()
	assert.Equal(t, last, stats.CheckpointSeq)
	assert.Equal(t, int64(1), stats.Compactions)

	// A second compaction replaces the snapshot.
	addRecord(t, r, "d")
	require.NoError(t, r.Compact(context.Background()))
	assert.NoFileExists(t, filepath.Join(dir, cp.Snapshot))
}

func TestLogRepository_CompactionExclusive(t *testing.T) {
	r := openTestRepository(t, t.TempDir())
	defer r.Close()

	r.compactMu.Lock()
	err := r.Compact(context.Background())
	r.compactMu.Unlock()

	assert.ErrorIs(t, err, repository.ErrCompactionInProgress)
}

func TestLogRepository_AppendsDuringCompaction(t *testing.T) {
	dir := t.TempDir()
	r := openTestRepository(t, dir)

	for i := 0; i < 20; i++ {
		addRecord(t, r, "seed")
	}

	var wg sync.WaitGroup
	ids := make(chan flowfile.ID, 100)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				rec := flowfile.New(time.Now())
				_, err := r.Append(context.Background(), []repository.Entry{repository.NewAdd(rec)})
				if err == nil {
					ids <- rec.ID
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		err := r.Compact(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()
	close(ids)
	require.NoError(t, r.Close())

	r = openTestRepository(t, dir)
	defer r.Close()

	count := 0
	for id := range ids {
		_, err := r.Get(context.Background(), id)
		assert.NoError(t, err)
		count++
	}
	assert.Equal(t, 80, count)
	assert.Equal(t, 100, r.Stats().Records)
}

func TestLogRepository_FailedAppendLeavesStateUnchanged(t *testing.T) {
	r := openTestRepository(t, t.TempDir())
	addRecord(t, r, "a")
	before := r.Stats()

	// Break the active segment.
	require.NoError(t, r.active.f.Close())

	rec := flowfile.New(time.Now())
	_, err := r.Append(context.Background(), []repository.Entry{repository.NewAdd(rec)})
	assert.ErrorIs(t, err, flowerr.ErrRepositoryIO)

	after := r.Stats()
	assert.Equal(t, before.LastSeq, after.LastSeq)
	assert.Equal(t, before.Records, after.Records)

	_, err = r.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)

	_ = r.Close()
}

func TestLogRepository_ThresholdTriggersCompaction(t *testing.T) {
	r, err := Open(context.Background(), Config{Dir: t.TempDir(), CompactEntries: 5})
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 5; i++ {
		addRecord(t, r, "x")
	}

	require.Eventually(t, func() bool {
		return r.Stats().Compactions >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, r.Stats().Records)
}

func TestSegmentName_RoundTrip(t *testing.T) {
	seq, ok := parseSegmentName(segmentName(42))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), seq)

	_, ok = parseSegmentName("snapshot-00000000000000000042.zst")
	assert.False(t, ok)
}
