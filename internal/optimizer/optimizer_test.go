package optimizer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/hupe1980/vecseg/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 4

type fakeWAL struct {
	mu        sync.Mutex
	durable   uint64
	compacted uint64
}

func (w *fakeWAL) FlushToVersion(v uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.durable = max(w.durable, v)
	return nil
}

func (w *fakeWAL) Compact(upTo uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compacted = max(w.compacted, upTo)
	return 0, nil
}

type fixture struct {
	root      string
	store     *store.Store
	wal       *fakeWAL
	manifests *manifest.Store
	opt       *Optimizer
	version   uint64
}

func newFixture(t *testing.T, fsys fs.FileSystem, optFns ...func(o *Options)) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, fs.Default.MkdirAll(filepath.Join(root, manifest.SegmentsDir), 0o755))

	st := store.New(dim, distance.SquaredL2, store.State{}, func(o *store.Options) {
		o.FlushPoints = 0
		o.FlushBytes = 0
		o.FlushAge = 0
	})
	ms := manifest.NewStore(fsys, root)
	m := manifest.New(dim, "l2", manifest.Codec{Kind: "raw"})
	require.NoError(t, ms.Save(m))

	w := &fakeWAL{}
	opts := append([]func(o *Options){func(o *Options) {
		o.FS = fsys
		o.M = 8
		o.EFConstruction = 64
		o.Seed = 1
		o.RetryBase = 5 * time.Millisecond
		o.RetryMax = 20 * time.Millisecond
		o.TickInterval = 10 * time.Millisecond
	}}, optFns...)
	f := &fixture{
		root:      root,
		store:     st,
		wal:       w,
		manifests: ms,
		opt:       New(root, st, w, ms, m, opts...),
	}
	t.Cleanup(func() {
		_ = f.opt.Close()
		st.Close()
	})
	return f
}

func (f *fixture) upsert(t *testing.T, id uint64, x float32) {
	t.Helper()
	f.version++
	require.NoError(t, f.store.ApplyUpsert(f.version, id, []float32{x, 0, 0, 0}, id*10))
}

func (f *fixture) delete(t *testing.T, id uint64) {
	t.Helper()
	f.version++
	ok, err := f.store.ApplyDelete(f.version, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) segments(t *testing.T) []*immutable.Segment {
	t.Helper()
	view, err := f.store.Acquire()
	require.NoError(t, err)
	defer view.DecRef()
	segs := make([]*immutable.Segment, 0, len(view.Segments))
	for _, h := range view.Segments {
		segs = append(segs, h.Segment())
	}
	return segs
}

func TestFlushCommitsManifest(t *testing.T) {
	f := newFixture(t, nil)
	f.upsert(t, 1, 1)
	f.upsert(t, 2, 2)
	f.upsert(t, 3, 3)
	sealed, ok := f.store.Seal()
	require.True(t, ok)

	ids, err := f.opt.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{sealed.ID()}, ids)

	m, err := f.manifests.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.FlushedVersion)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, sealed.ID(), m.Segments[0].ID)
	assert.Equal(t, 3, m.Segments[0].Points)
	assert.Equal(t, uint64(3), m.Segments[0].MaxVersion)
	assert.Equal(t, "plain", m.Segments[0].Kind)
	assert.GreaterOrEqual(t, m.NextSegmentID, sealed.ID()+1)

	assert.Equal(t, uint64(3), f.wal.durable)
	assert.Equal(t, uint64(3), f.wal.compacted)

	p, err := f.store.Get(2)
	require.NoError(t, err)
	assert.Equal(t, sealed.ID(), p.SegmentID)
	assert.Equal(t, uint64(20), p.Payload)

	// Nothing left to flush.
	ids, err = f.opt.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFlushRetriesAfterIOFailure(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	f := newFixture(t, faulty)
	f.upsert(t, 1, 1)
	f.upsert(t, 2, 2)
	_, ok := f.store.Seal()
	require.True(t, ok)

	faulty.AddRule(immutable.VectorsFile, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	_, err := f.opt.Flush(context.Background())
	require.Error(t, err)
	var ioErr *segment.IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, fs.ErrInjected)

	view, err := f.store.Acquire()
	require.NoError(t, err)
	assert.Len(t, view.Sealed, 1)
	view.DecRef()
	m, err := f.manifests.Load()
	require.NoError(t, err)
	assert.Empty(t, m.Segments)

	faulty.ClearRules()
	ids, err := f.opt.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Len(t, f.segments(t), 1)
}

func TestBackgroundFlushRetries(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	f := newFixture(t, faulty, func(o *Options) {
		o.MergePolicy = TieredMergePolicy{Threshold: 100}
	})
	f.upsert(t, 1, 1)
	_, ok := f.store.Seal()
	require.True(t, ok)

	faulty.AddRule(immutable.IDTrackerFile, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	f.opt.Start()
	f.opt.NotifySealed()
	time.Sleep(30 * time.Millisecond)
	faulty.ClearRules()

	require.Eventually(t, func() bool {
		m, err := f.manifests.Load()
		return err == nil && len(m.Segments) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCommitPersistsTombstones(t *testing.T) {
	f := newFixture(t, nil)
	f.upsert(t, 1, 1)
	f.upsert(t, 2, 2)
	_, ok := f.store.Seal()
	require.True(t, ok)
	_, err := f.opt.Flush(context.Background())
	require.NoError(t, err)

	f.delete(t, 1)
	seg := f.segments(t)[0]
	assert.True(t, seg.Dirty())

	require.NoError(t, f.opt.Commit(context.Background()))
	assert.False(t, seg.Dirty())

	m := f.opt.Manifest()
	require.Len(t, m.Segments, 1)
	assert.Equal(t, 1, m.Segments[0].Deleted)

	reopened, err := immutable.Open(seg.Dir(), seg.ID(), func(o *immutable.Options) {
		o.Distance = distance.SquaredL2
	})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Live())
}

func TestCheckpointDescribesHeldView(t *testing.T) {
	f := newFixture(t, nil)
	f.upsert(t, 1, 1)
	f.upsert(t, 2, 2)
	_, ok := f.store.Seal()
	require.True(t, ok)
	_, err := f.opt.Flush(context.Background())
	require.NoError(t, err)
	f.delete(t, 2)

	m, view, err := f.opt.Checkpoint(context.Background())
	require.NoError(t, err)
	defer view.DecRef()

	require.Len(t, m.Segments, len(view.Segments))
	for i, h := range view.Segments {
		assert.Equal(t, h.Segment().ID(), m.Segments[i].ID)
		assert.False(t, h.Segment().Dirty())
	}
	assert.Equal(t, 1, m.Segments[0].Deleted)
	assert.Equal(t, uint64(2), m.FlushedVersion)
}

func TestBuildIndex(t *testing.T) {
	f := newFixture(t, nil)
	for i := range uint64(50) {
		f.upsert(t, i+1, float32(i))
	}
	sealed, ok := f.store.Seal()
	require.True(t, ok)
	_, err := f.opt.Flush(context.Background())
	require.NoError(t, err)
	f.delete(t, 7)

	require.NoError(t, f.opt.buildIndex(context.Background(), sealed.ID()))
	segs := f.segments(t)
	require.Len(t, segs, 1)
	assert.Equal(t, segment.IndexedImmutable, segs[0].Kind())
	assert.Equal(t, 49, segs[0].Live())

	res, err := segs[0].Search(context.Background(), []float32{6, 0, 0, 0}, 1, 32, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	id, _ := segs[0].PointID(res[0].Offset)
	assert.NotEqual(t, uint64(7), id)

	m := f.opt.Manifest()
	assert.Equal(t, "indexed", m.Segments[0].Kind)

	// Indexing twice is a no-op.
	require.NoError(t, f.opt.buildIndex(context.Background(), sealed.ID()))
}

func TestBuildIndexDropsEmptySegment(t *testing.T) {
	f := newFixture(t, nil)
	f.upsert(t, 1, 1)
	f.upsert(t, 2, 2)
	f.delete(t, 1)
	f.delete(t, 2)
	sealed, ok := f.store.Seal()
	require.True(t, ok)
	_, err := f.opt.Flush(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.opt.buildIndex(context.Background(), sealed.ID()))
	assert.Empty(t, f.segments(t))
	assert.Empty(t, f.opt.Manifest().Segments)
}

func TestMergeKeepsLatestRows(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		o.MergePolicy = TieredMergePolicy{Threshold: 2}
	})
	var sources []uint64
	for batch := range 3 {
		for i := range 10 {
			id := uint64(batch*10 + i + 1)
			f.upsert(t, id, float32(id))
		}
		sealed, ok := f.store.Seal()
		require.True(t, ok)
		_, err := f.opt.Flush(context.Background())
		require.NoError(t, err)
		require.NoError(t, f.opt.buildIndex(context.Background(), sealed.ID()))
		sources = append(sources, sealed.ID())
	}
	f.delete(t, 5)
	f.upsert(t, 15, 99) // supersedes the copy in the second segment

	require.NoError(t, f.opt.mergeAll(context.Background()))

	segs := f.segments(t)
	require.Len(t, segs, 1)
	merged := segs[0]
	assert.NotContains(t, sources, merged.ID())
	assert.Equal(t, segment.IndexedImmutable, merged.Kind())
	assert.Equal(t, 28, merged.Live())

	_, err := f.store.Get(5)
	assert.ErrorIs(t, err, store.ErrNotFound)
	p, err := f.store.Get(15)
	require.NoError(t, err)
	assert.Equal(t, []float32{99, 0, 0, 0}, p.Vector)
	p, err = f.store.Get(21)
	require.NoError(t, err)
	assert.Equal(t, merged.ID(), p.SegmentID)

	m := f.opt.Manifest()
	require.Len(t, m.Segments, 1)
	assert.Equal(t, merged.ID(), m.Segments[0].ID)

	for _, id := range sources {
		_, err := fs.Default.Stat(manifest.SegmentDir(f.root, id))
		assert.Error(t, err, "source segment %d should be removed", id)
	}
}

func TestMergeCommitFailureKeepsSources(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	f := newFixture(t, faulty, func(o *Options) {
		o.MergePolicy = TieredMergePolicy{Threshold: 2}
	})
	var sources []uint64
	for batch := range 2 {
		for i := range 10 {
			id := uint64(batch*10 + i + 1)
			f.upsert(t, id, float32(id))
		}
		sealed, ok := f.store.Seal()
		require.True(t, ok)
		_, err := f.opt.Flush(ctx)
		require.NoError(t, err)
		require.NoError(t, f.opt.buildIndex(ctx, sealed.ID()))
		sources = append(sources, sealed.ID())
	}

	faulty.AddRule(manifest.FileName, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	err := f.opt.mergeAll(ctx)
	require.ErrorIs(t, err, fs.ErrInjected)

	// The durable manifest still lists the sources, and they must still open.
	m, err := f.manifests.Load()
	require.NoError(t, err)
	require.Len(t, m.Segments, 2)
	for _, info := range m.Segments {
		seg, err := immutable.Open(manifest.SegmentDir(f.root, info.ID), info.ID, func(o *immutable.Options) {
			o.Distance = distance.SquaredL2
		})
		require.NoError(t, err, "segment %d", info.ID)
		assert.Equal(t, 10, seg.Live())
		require.NoError(t, seg.Close())
	}

	// The next successful commit releases them.
	faulty.ClearRules()
	require.NoError(t, f.opt.Commit(ctx))
	m, err = f.manifests.Load()
	require.NoError(t, err)
	require.Len(t, m.Segments, 1)
	assert.NotContains(t, sources, m.Segments[0].ID)
	assert.DirExists(t, manifest.SegmentDir(f.root, m.Segments[0].ID))
	for _, id := range sources {
		assert.NoDirExists(t, manifest.SegmentDir(f.root, id))
	}
}

func TestDropEmptySegmentCommitFailureKeepsDir(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	f := newFixture(t, faulty)
	f.upsert(t, 1, 1)
	f.upsert(t, 2, 2)
	f.delete(t, 1)
	f.delete(t, 2)
	sealed, ok := f.store.Seal()
	require.True(t, ok)
	_, err := f.opt.Flush(ctx)
	require.NoError(t, err)
	dir := manifest.SegmentDir(f.root, sealed.ID())

	faulty.AddRule(manifest.FileName, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	err = f.opt.buildIndex(ctx, sealed.ID())
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Empty(t, f.segments(t))

	m, err := f.manifests.Load()
	require.NoError(t, err)
	require.Len(t, m.Segments, 1)
	assert.DirExists(t, dir)

	faulty.ClearRules()
	require.NoError(t, f.opt.Commit(ctx))
	m, err = f.manifests.Load()
	require.NoError(t, err)
	assert.Empty(t, m.Segments)
	assert.NoDirExists(t, dir)
}

func TestPipeline(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		o.MergePolicy = TieredMergePolicy{Threshold: 3}
	})
	f.opt.Start()
	for batch := range 3 {
		for i := range 20 {
			id := uint64(batch*20 + i + 1)
			f.upsert(t, id, float32(id))
		}
		_, ok := f.store.Seal()
		require.True(t, ok)
		f.opt.NotifySealed()
	}

	require.Eventually(t, func() bool {
		m := f.opt.Manifest()
		return len(m.Segments) == 1 && m.Segments[0].Kind == "indexed" && m.Segments[0].Points == 60
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(60), f.opt.Manifest().FlushedVersion)
}

func TestTickerSealsByAge(t *testing.T) {
	root := t.TempDir()
	st := store.New(dim, distance.SquaredL2, store.State{}, func(o *store.Options) {
		o.FlushPoints = 0
		o.FlushBytes = 0
		o.FlushAge = time.Millisecond
	})
	defer st.Close()
	ms := manifest.NewStore(nil, root)
	m := manifest.New(dim, "l2", manifest.Codec{Kind: "raw"})
	opt := New(root, st, &fakeWAL{}, ms, m, func(o *Options) {
		o.TickInterval = 5 * time.Millisecond
	})
	defer opt.Close()

	require.NoError(t, st.ApplyUpsert(1, 1, []float32{1, 0, 0, 0}, 0))
	opt.Start()
	require.Eventually(t, func() bool {
		return len(opt.Manifest().Segments) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFlushAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	f.opt.Start()
	require.NoError(t, f.opt.Close())
	require.NoError(t, f.opt.Close())
	_, err := f.opt.Flush(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGoLoopRestartsAfterPanic(t *testing.T) {
	var (
		wg    sync.WaitGroup
		runs  atomic.Int32
		wakes atomic.Int32
	)
	done := make(chan struct{})
	b := backoff{base: time.Millisecond, max: time.Millisecond}
	goLoop(&wg, newDiscardLogger(), "boom", done, b, func() {
		if runs.Add(1) < 3 {
			panic("boom")
		}
		<-done
	}, func() { wakes.Add(1) })

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), wakes.Load())
	close(done)
	wg.Wait()
}

func TestGoLoopStopsOnReturn(t *testing.T) {
	var (
		wg   sync.WaitGroup
		runs atomic.Int32
	)
	goLoop(&wg, newDiscardLogger(), "once", make(chan struct{}), backoff{base: time.Millisecond}, func() {
		runs.Add(1)
	}, nil)
	wg.Wait()
	assert.Equal(t, int32(1), runs.Load())
}

func TestIndexQueue(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		o.MergePolicy = TieredMergePolicy{Threshold: 100}
	})
	var ids []uint64
	for batch := range 3 {
		for i := range 5 {
			id := uint64(batch*5 + i + 1)
			f.upsert(t, id, float32(id))
		}
		sealed, ok := f.store.Seal()
		require.True(t, ok)
		ids = append(ids, sealed.ID())
	}
	// Flush queues every new plain segment; the workers are not running.
	_, err := f.opt.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.opt.IndexQueueLen())
	for _, id := range ids {
		f.opt.EnqueueIndex(id)
	}
	assert.Equal(t, 3, f.opt.IndexQueueLen(), "duplicates are ignored")

	f.opt.Start()
	require.Eventually(t, func() bool {
		if f.opt.IndexQueueLen() != 0 {
			return false
		}
		for _, info := range f.opt.Manifest().Segments {
			if info.Kind != "indexed" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.opt.Manifest().Segments, 3)
}

func TestIndexQueueRetriesFailedBuild(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	f := newFixture(t, faulty, func(o *Options) {
		o.MergePolicy = TieredMergePolicy{Threshold: 100}
	})
	for i := range uint64(5) {
		f.upsert(t, i+1, float32(i))
	}
	_, ok := f.store.Seal()
	require.True(t, ok)
	_, err := f.opt.Flush(context.Background())
	require.NoError(t, err)

	faulty.AddRule(immutable.GraphFile, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	f.opt.Start()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.opt.IndexQueueLen())
	faulty.ClearRules()

	require.Eventually(t, func() bool {
		segs := f.opt.Manifest().Segments
		return f.opt.IndexQueueLen() == 0 && len(segs) == 1 && segs[0].Kind == "indexed"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	b := backoff{base: time.Millisecond, max: 5 * time.Millisecond}
	assert.Equal(t, time.Millisecond, b.next())
	assert.Equal(t, 2*time.Millisecond, b.next())
	assert.Equal(t, 4*time.Millisecond, b.next())
	assert.Equal(t, 5*time.Millisecond, b.next())
	b.reset()
	assert.Equal(t, time.Millisecond, b.next())
}
