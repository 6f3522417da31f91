package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 2

func newStore(t *testing.T, optFns ...func(o *Options)) *Store {
	t.Helper()
	s := New(dim, distance.SquaredL2, State{}, optFns...)
	t.Cleanup(s.Close)
	return s
}

func vec(x float32) []float32 { return []float32{x, 0} }

// flush persists a sealed memtable the way the optimizer does.
func flush(t *testing.T, s *Store, root string, sealed Sealed) *immutable.Segment {
	t.Helper()
	dir := filepath.Join(root, strconv.FormatUint(sealed.ID(), 10))
	require.NoError(t, immutable.Write(context.Background(), dir, sealed))
	seg, err := immutable.Open(dir, sealed.ID(), func(o *immutable.Options) {
		o.Distance = distance.SquaredL2
		o.Tombstones = sealed.Tombstones()
	})
	require.NoError(t, err)
	require.NoError(t, s.ReplaceSealed(sealed.ID(), seg))
	return seg
}

func TestUpsertGetDelete(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.ApplyUpsert(1, 10, vec(1), 100))
	require.NoError(t, s.ApplyUpsert(2, 20, vec(2), 200))
	assert.Equal(t, uint64(2), s.Version())
	assert.Equal(t, uint64(3), s.NextVersion())

	p, err := s.Get(10)
	require.NoError(t, err)
	assert.Equal(t, vec(1), p.Vector)
	assert.Equal(t, uint64(100), p.Payload)
	assert.Equal(t, uint64(1), p.Version)

	// Re-upsert supersedes the old copy.
	require.NoError(t, s.ApplyUpsert(3, 10, vec(5), 101))
	p, err = s.Get(10)
	require.NoError(t, err)
	assert.Equal(t, vec(5), p.Vector)
	view, err := s.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, view.Active.Live())
	view.DecRef()

	ok, err := s.ApplyDelete(4, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.Get(10)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Contains(10))

	ok, err = s.ApplyDelete(5, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ApplyDeleteIDs(6, []uint64{20, 30})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(6), s.Version())
}

func TestVersionOrder(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ApplyUpsert(5, 1, vec(1), 0))
	assert.ErrorIs(t, s.ApplyUpsert(5, 2, vec(1), 0), ErrOutOfOrder)
	_, err := s.ApplyDelete(3, 1)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.True(t, s.Contains(1))
}

func TestDimensionMismatch(t *testing.T) {
	s := newStore(t)
	err := s.ApplyUpsert(1, 1, []float32{1, 2, 3}, 0)
	assert.ErrorIs(t, err, segment.ErrDimensionMismatch)
	assert.Zero(t, s.Version())
}

func TestSetPayload(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ApplyUpsert(1, 7, vec(3), 1))

	ok, err := s.ApplySetPayload(2, 7, 99)
	require.NoError(t, err)
	assert.True(t, ok)
	p, err := s.Get(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), p.Payload)
	assert.Equal(t, vec(3), p.Vector)
	assert.Equal(t, uint64(2), p.Version)

	ok, err = s.ApplySetPayload(3, 8, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), s.Version())
}

func TestSealTriggers(t *testing.T) {
	s := newStore(t, func(o *Options) {
		o.FlushPoints = 2
		o.FlushBytes = 0
		o.FlushAge = 0
	})
	now := time.Now()
	assert.False(t, s.ShouldSeal(now))

	require.NoError(t, s.ApplyUpsert(1, 1, vec(1), 0))
	_, sealed := s.SealIfFull(now)
	assert.False(t, sealed)

	require.NoError(t, s.ApplyUpsert(2, 2, vec(2), 0))
	m, sealed := s.SealIfFull(now)
	require.True(t, sealed)
	assert.Equal(t, uint64(2), m.SealVersion)
	assert.True(t, m.Sealed())

	view, err := s.Acquire()
	require.NoError(t, err)
	defer view.DecRef()
	require.Len(t, view.Sealed, 1)
	assert.NotEqual(t, m.ID(), view.Active.ID())
	assert.Zero(t, view.Active.Len())

	// Writes continue into the new memtable; sealed points stay readable.
	require.NoError(t, s.ApplyUpsert(3, 3, vec(3), 0))
	_, err = s.Get(1)
	require.NoError(t, err)

	_, sealed = s.Seal()
	assert.True(t, sealed)
	_, sealed = s.Seal()
	assert.False(t, sealed, "empty memtables are not sealed")
}

func TestSealByAgeAndBytes(t *testing.T) {
	s := newStore(t, func(o *Options) {
		o.FlushPoints = 0
		o.FlushBytes = 0
		o.FlushAge = time.Minute
	})
	require.NoError(t, s.ApplyUpsert(1, 1, vec(1), 0))
	assert.False(t, s.ShouldSeal(time.Now()))
	assert.True(t, s.ShouldSeal(time.Now().Add(2*time.Minute)))

	b := newStore(t, func(o *Options) {
		o.FlushPoints = 0
		o.FlushBytes = 1
		o.FlushAge = 0
	})
	require.NoError(t, b.ApplyUpsert(1, 1, vec(1), 0))
	assert.True(t, b.ShouldSeal(time.Now()))
}

func TestReplaceSealedSharesTombstones(t *testing.T) {
	root := t.TempDir()
	s := newStore(t)
	for i := range 4 {
		require.NoError(t, s.ApplyUpsert(uint64(i+1), uint64(i), vec(float32(i)), 0))
	}
	m, ok := s.Seal()
	require.True(t, ok)

	// A delete racing the flush lands in the shared bitset.
	_, err := s.ApplyDelete(5, 1)
	require.NoError(t, err)
	seg := flush(t, s, root, m)

	view, err := s.Acquire()
	require.NoError(t, err)
	assert.Empty(t, view.Sealed)
	require.Len(t, view.Segments, 1)
	assert.Equal(t, segment.PlainImmutable, view.Segments[0].Segment().Kind())
	view.DecRef()

	_, err = s.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ApplyDelete(6, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, seg.Live())

	p, err := s.Get(3)
	require.NoError(t, err)
	assert.Equal(t, seg.ID(), p.SegmentID)

	assert.Error(t, s.ReplaceSealed(m.ID(), seg), "already replaced")
}

func TestReplaceMerged(t *testing.T) {
	root := t.TempDir()
	s := newStore(t)
	var segs []*immutable.Segment
	v := uint64(0)
	for round := range 2 {
		for i := range 3 {
			v++
			id := uint64(round*10 + i)
			require.NoError(t, s.ApplyUpsert(v, id, vec(float32(id)), 0))
		}
		m, ok := s.Seal()
		require.True(t, ok)
		segs = append(segs, flush(t, s, root, m))
	}

	// The merge reads both sources.
	merged, origins := mergeLive(t, s, root, segs)

	// Concurrent changes after the merge snapshot.
	v++
	_, err := s.ApplyDelete(v, 1)
	require.NoError(t, err)
	v++
	require.NoError(t, s.ApplyUpsert(v, 11, vec(100), 0))

	held, err := s.Acquire()
	require.NoError(t, err)

	retired, err := s.ReplaceMerged([]uint64{segs[0].ID(), segs[1].ID()}, merged, origins)
	require.NoError(t, err)
	require.Len(t, retired, 2)

	view, err := s.Acquire()
	require.NoError(t, err)
	require.Len(t, view.Segments, 1)
	assert.Equal(t, merged.ID(), view.Segments[0].Segment().ID())
	view.DecRef()

	_, err = s.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
	p, err := s.Get(11)
	require.NoError(t, err)
	assert.Equal(t, vec(100), p.Vector)
	p, err = s.Get(12)
	require.NoError(t, err)
	assert.Equal(t, merged.ID(), p.SegmentID)
	assert.Equal(t, 4, merged.Live())

	// Deletes after the swap reach the merged segment.
	v++
	_, err = s.ApplyDelete(v, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, merged.Live())

	// Source directories live until they are both released and obsolete.
	retired[0].MarkObsolete()
	assert.DirExists(t, segs[0].Dir())
	held.DecRef()
	assert.NoDirExists(t, segs[0].Dir())
	assert.DirExists(t, segs[1].Dir(), "released but not obsolete")
	retired[1].MarkObsolete()
	assert.NoDirExists(t, segs[1].Dir())
	assert.DirExists(t, merged.Dir())
}

func mergeLive(t *testing.T, s *Store, root string, sources []*immutable.Segment) (*immutable.Segment, []Origin) {
	t.Helper()
	id := s.AllocateSegmentID()
	src := &mergeSource{dim: dim}
	for _, seg := range sources {
		seg.Iterate(func(r segment.Row) bool {
			if !seg.Tombstones().Test(r.Offset) {
				src.rows = append(src.rows, r)
				src.origins = append(src.origins, Origin{SegmentID: seg.ID(), Offset: r.Offset})
			}
			return true
		})
	}
	dir := filepath.Join(root, strconv.FormatUint(id, 10))
	require.NoError(t, immutable.Write(context.Background(), dir, src))
	merged, err := immutable.Open(dir, id, func(o *immutable.Options) { o.Distance = distance.SquaredL2 })
	require.NoError(t, err)
	return merged, src.origins
}

func TestNewIndexesPersistedSegments(t *testing.T) {
	root := t.TempDir()
	s := New(dim, distance.SquaredL2, State{})
	require.NoError(t, s.ApplyUpsert(1, 1, vec(1), 0))
	require.NoError(t, s.ApplyUpsert(2, 2, vec(2), 0))
	m, _ := s.Seal()
	a := flush(t, s, root, m)
	require.NoError(t, s.ApplyUpsert(3, 1, vec(9), 0))
	m, _ = s.Seal()
	b := flush(t, s, root, m)

	// Simulate a crash before the tombstone of the old copy was persisted.
	reopen := func(seg *immutable.Segment) *immutable.Segment {
		r, err := immutable.Open(seg.Dir(), seg.ID(), func(o *immutable.Options) { o.Distance = distance.SquaredL2 })
		require.NoError(t, err)
		return r
	}
	ra, rb := reopen(a), reopen(b)
	s.Close()

	s2 := New(dim, distance.SquaredL2, State{Segments: []*immutable.Segment{rb, ra}, NextSegmentID: 2, Version: 3})
	defer s2.Close()

	p, err := s2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, vec(9), p.Vector, "the newer version wins")
	assert.Equal(t, 1, ra.Live())
	assert.Greater(t, s2.NextSegmentID(), rb.ID())
	assert.Equal(t, uint64(4), s2.NextVersion())
}

func TestClosed(t *testing.T) {
	s := New(dim, distance.SquaredL2, State{})
	s.Close()
	s.Close()

	_, err := s.Acquire()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.ApplyUpsert(1, 1, vec(1), 0), ErrClosed)
	assert.False(t, s.ShouldSeal(time.Now()))
	_, ok := s.Seal()
	assert.False(t, ok)
}
