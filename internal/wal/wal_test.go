package wal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func upsert(v uint64) *Record {
	return &Record{Version: v, Op: OpUpsert, PointID: v * 10, Vector: []float32{float32(v), 1, 2}, Payload: v + 100}
}

func collect(t *testing.T, dir string, from uint64) ([]*Record, *ReplayResult) {
	t.Helper()
	var recs []*Record
	res, err := Replay(nil, dir, from, func(r *Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs, res
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)

	recs := []*Record{
		upsert(1),
		{Version: 2, Op: OpDelete, PointID: 10},
		{Version: 3, Op: OpDeleteByFilter, PointIDs: []uint64{20, 30, 40}},
		{Version: 4, Op: OpSetPayload, PointID: 50, Payload: 7},
		{Version: 5, Op: OpDeleteByFilter},
	}
	for _, r := range recs {
		v, err := w.Append(r)
		require.NoError(t, err)
		assert.Equal(t, r.Version, v)
	}
	require.NoError(t, w.FlushToVersion(5))
	assert.Equal(t, uint64(5), w.DurableVersion())
	require.NoError(t, w.Close())

	got, res := collect(t, dir, 1)
	require.Len(t, got, len(recs))
	for i := range recs {
		assert.Equal(t, recs[i].Version, got[i].Version)
		assert.Equal(t, recs[i].Op, got[i].Op)
		assert.Equal(t, recs[i].PointID, got[i].PointID)
		assert.Equal(t, recs[i].Payload, got[i].Payload)
		assert.Equal(t, recs[i].Vector, got[i].Vector)
		assert.Equal(t, len(recs[i].PointIDs), len(got[i].PointIDs))
	}
	assert.Equal(t, uint64(5), res.LastVersion)
	assert.False(t, res.Truncated)

	got, _ = collect(t, dir, 3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Version)
}

func TestOutOfOrder(t *testing.T) {
	w, err := Open(nil, t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(upsert(5))
	require.NoError(t, err)
	_, err = w.Append(upsert(5))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = w.Append(upsert(3))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = w.Append(upsert(9))
	assert.NoError(t, err, "gaps are allowed")
}

func TestReopenContinues(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)
	for v := uint64(1); v <= 3; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.FlushToVersion(3))
	require.NoError(t, w.Close())

	w, err = Open(nil, dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w.LastVersion())
	assert.Equal(t, uint64(3), w.DurableVersion())
	_, err = w.Append(upsert(3))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = w.Append(upsert(4))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, _ := collect(t, dir, 1)
	assert.Len(t, got, 4)
}

func TestRotationAndCompaction(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, func(o *Options) { o.RotateBytes = 256 })
	require.NoError(t, err)

	for v := uint64(1); v <= 40; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.FlushToVersion(40))

	files := w.Files()
	require.Greater(t, len(files), 3)
	first, ok := parseFileName(filepath.Base(files[1]))
	require.True(t, ok)

	// Nothing below the second file's first version is fully flushed yet.
	removed, err := w.Compact(first - 2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = w.Compact(first - 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(files[0])
	assert.True(t, os.IsNotExist(err))

	// The current file always survives.
	_, err = w.Compact(1 << 40)
	require.NoError(t, err)
	assert.Len(t, w.Files(), 1)
	require.NoError(t, w.Close())

	got, _ := collect(t, dir, 1)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(40), got[len(got)-1].Version)
}

func TestReplayStartsAtCoveringFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, func(o *Options) { o.RotateBytes = 128 })
	require.NoError(t, err)
	for v := uint64(1); v <= 20; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	got, res := collect(t, dir, 13)
	require.Len(t, got, 8)
	assert.Equal(t, uint64(13), got[0].Version)
	assert.Equal(t, uint64(20), res.LastVersion)
}

func TestTornTailDropsLastRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)
	const n = 10
	for v := uint64(1); v <= n; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := w.Files()[0]
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, res := collect(t, dir, 1)
	require.Len(t, got, n-1)
	assert.True(t, res.Truncated)
	assert.Equal(t, path, res.File)
	assert.Equal(t, uint64(n-1), got[len(got)-1].Version)

	// Open truncates the tail and appends continue after the valid data.
	w, err = Open(nil, dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(n-1), w.LastVersion())
	_, err = w.Append(upsert(n))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, res = collect(t, dir, 1)
	require.Len(t, got, n)
	assert.False(t, res.Truncated)
}

func TestPartialWriteIsTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)
	for v := uint64(1); v <= 5; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := w.Files()[0]
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-7))

	got, res := collect(t, dir, 1)
	assert.Len(t, got, 4)
	assert.True(t, res.Truncated)
}

func TestMidFileCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)
	for v := uint64(1); v <= 5; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := w.Files()[0]
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the first record's payload.
	data[walHeaderSize+4+9] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Replay(nil, dir, 1, func(*Record) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptRecord)
	var cre *CorruptRecordError
	require.ErrorAs(t, err, &cre)
	assert.Equal(t, path, cre.File)
	assert.Equal(t, int64(walHeaderSize), cre.Offset)

	_, err = Open(nil, dir)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestCorruptionInRotatedFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, func(o *Options) { o.RotateBytes = 128 })
	require.NoError(t, err)
	for v := uint64(1); v <= 10; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	files := w.Files()
	require.Greater(t, len(files), 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(files[0], data, 0o644))

	_, err = Replay(nil, dir, 1, func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestCompression(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, func(o *Options) {
		o.Compression = true
		o.CompressionMinBytes = 64
	})
	require.NoError(t, err)

	vec := make([]float32, 512) // zeros compress well
	_, err = w.Append(&Record{Version: 1, Op: OpUpsert, PointID: 1, Vector: vec})
	require.NoError(t, err)
	_, err = w.Append(&Record{Version: 2, Op: OpDelete, PointID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := os.Stat(w.Files()[0])
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(512*4), "body was compressed")

	got, _ := collect(t, dir, 1)
	require.Len(t, got, 2)
	assert.Equal(t, vec, got[0].Vector)
	assert.Equal(t, OpDelete, got[1].Op)
}

func TestGroupCommitConcurrency(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		next    uint64
		wg      sync.WaitGroup
		writers = 20
		each    = 50
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				mu.Lock()
				next++
				v, err := w.Append(upsert(next))
				mu.Unlock()
				if err != nil {
					t.Error(err)
					return
				}
				if err := w.FlushToVersion(v); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	got, _ := collect(t, dir, 1)
	assert.Len(t, got, writers*each)
}

func TestAsyncDurability(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, func(o *Options) { o.Durability = DurabilityAsync })
	require.NoError(t, err)

	_, err = w.Append(upsert(1))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return w.DurableVersion() == 1 }, timeout, tick)
	require.NoError(t, w.FlushToVersion(1))
	require.NoError(t, w.Close())
}

func TestSyncFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	w, err := Open(ffs, dir, func(o *Options) { o.RotateBytes = 1 })
	require.NoError(t, err)

	_, err = w.Append(upsert(1))
	require.NoError(t, err)
	require.NoError(t, w.FlushToVersion(1))

	// Rotation opens a new file that matches the rule.
	ffs.AddRule(filepath.Join(dir, fileName(2)), fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, err = w.Append(upsert(2))
	assert.ErrorIs(t, err, fs.ErrInjected, "rotation syncs the new header")
	_ = w.Close()
}

func TestSyncerFailure(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(fileName(1), fs.Fault{FailAfterBytes: -1})
	w, err := Open(ffs, dir)
	require.NoError(t, err)

	_, err = w.Append(upsert(1))
	require.NoError(t, err)
	require.NoError(t, w.FlushToVersion(1))

	ffs.AddRule(fileName(1), fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	// The open handle keeps its original rule, so reopen to pick up the new one.
	require.NoError(t, w.Close())
	w, err = Open(ffs, dir)
	require.NoError(t, err)

	_, err = w.Append(upsert(2))
	require.NoError(t, err)
	assert.ErrorIs(t, w.FlushToVersion(2), fs.ErrInjected)
	_, err = w.Append(upsert(3))
	assert.ErrorIs(t, err, fs.ErrInjected, "sync failure is terminal")
	_ = w.Close()
}

func TestFlushToVersionDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir)
	require.NoError(t, err)
	for v := uint64(1); v <= 3; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	require.NoError(t, w.FlushToVersion(3))

	// Simulate a crash: read the files without closing the writer.
	got, _ := collect(t, dir, 1)
	assert.Len(t, got, 3)
	_ = w.Close()
}

func TestClosed(t *testing.T) {
	w, err := Open(nil, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrClosed)
	_, err = w.Append(upsert(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFilesAfter(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, func(o *Options) { o.RotateBytes = 128 })
	require.NoError(t, err)
	defer w.Close()
	for v := uint64(1); v <= 12; v++ {
		_, err := w.Append(upsert(v))
		require.NoError(t, err)
	}
	all := w.Files()
	assert.Equal(t, all, w.FilesAfter(0))
	assert.Equal(t, all[len(all)-1:], w.FilesAfter(1<<40))
}
