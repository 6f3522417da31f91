package coordinator

import (
	"context"
	"testing"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/memtable"
	"github.com/hupe1980/vecseg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type segments []segment.Segment

func (s segments) All() []segment.Segment { return s }

func newMemTable(t *testing.T, id uint64, points map[uint64][]float32) *memtable.MemTable {
	t.Helper()
	m := memtable.New(id, 2, distance.SquaredL2)
	v := uint64(1)
	for pid, vec := range points {
		_, err := m.Append(pid, vec, pid, v)
		require.NoError(t, err)
		v++
	}
	return m
}

func TestSearchMergesSegments(t *testing.T) {
	a := newMemTable(t, 1, map[uint64][]float32{1: {0, 0}, 2: {5, 5}})
	b := newMemTable(t, 2, map[uint64][]float32{3: {1, 0}, 4: {9, 9}})
	c := newMemTable(t, 3, map[uint64][]float32{5: {2, 0}})

	res, err := Search(context.Background(), segments{a, b, c}, []float32{0, 0}, Params{TopK: 3})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []uint64{1, 3, 5}, []uint64{res[0].PointID, res[1].PointID, res[2].PointID})
	assert.Equal(t, uint64(2), res[1].SegmentID)
	assert.Equal(t, uint64(3), res[1].Payload)
	assert.InDelta(t, 4, res[2].Distance, 1e-6)
}

func TestSearchTieBreak(t *testing.T) {
	a := newMemTable(t, 7, map[uint64][]float32{10: {1, 0}})
	b := newMemTable(t, 3, map[uint64][]float32{20: {-1, 0}})

	res, err := Search(context.Background(), segments{a, b}, []float32{0, 0}, Params{TopK: 2, Parallelism: 1})
	require.NoError(t, err)
	require.Len(t, res, 2)
	// Equal distances order by segment ID.
	assert.Equal(t, uint64(20), res[0].PointID)
	assert.Equal(t, uint64(10), res[1].PointID)
}

func TestSearchFilter(t *testing.T) {
	a := newMemTable(t, 1, map[uint64][]float32{1: {0, 0}, 2: {1, 0}, 3: {2, 0}})

	res, err := Search(context.Background(), segments{a}, []float32{0, 0}, Params{
		TopK:   5,
		Filter: func(id uint64) bool { return id != 1 },
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(2), res[0].PointID)

	res, err = Search(context.Background(), segments{a}, []float32{0, 0}, Params{
		TopK:   5,
		Filter: func(uint64) bool { return false },
	})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchSkipsTombstones(t *testing.T) {
	a := newMemTable(t, 1, map[uint64][]float32{1: {0, 0}, 2: {1, 0}})
	off, ok := a.Lookup(1)
	require.True(t, ok)
	a.Delete(off)

	res, err := Search(context.Background(), segments{a}, []float32{0, 0}, Params{TopK: 2})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(2), res[0].PointID)
}

func TestSearchExpiredContext(t *testing.T) {
	a := newMemTable(t, 1, map[uint64][]float32{1: {0, 0}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Search(ctx, segments{a}, []float32{0, 0}, Params{TopK: 1})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchMatchesBruteForce(t *testing.T) {
	rng := testutil.NewRNG(7)
	vecs := rng.UniformVectors(600, 2)

	var segs segments
	for s := range 6 {
		m := memtable.New(uint64(s+1), 2, distance.SquaredL2)
		for i := s * 100; i < (s+1)*100; i++ {
			_, err := m.Append(uint64(i), vecs[i], 0, uint64(i+1))
			require.NoError(t, err)
		}
		segs = append(segs, m)
	}

	query := []float32{0.5, 0.5}
	res, err := Search(context.Background(), segs, query, Params{TopK: 10, Parallelism: 2})
	require.NoError(t, err)
	require.Len(t, res, 10)

	got := make([]uint64, len(res))
	for i, r := range res {
		got[i] = r.PointID
	}
	truth := testutil.ExactTopK(query, vecs, 10, distance.SquaredL2)
	assert.InDelta(t, 1.0, testutil.Recall(truth, got), 1e-9)
	for i := 1; i < len(res); i++ {
		assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
	}
}

func TestMerge(t *testing.T) {
	lists := [][]Result{
		{{PointID: 1, Distance: 0.1, SegmentID: 1}, {PointID: 2, Distance: 0.5, SegmentID: 1}},
		nil,
		{{PointID: 3, Distance: 0.2, SegmentID: 2}, {PointID: 4, Distance: 0.5, SegmentID: 2, Offset: 1}},
		{{PointID: 5, Distance: 0.5, SegmentID: 0}},
	}
	got := Merge(lists, 4)
	ids := make([]uint64, len(got))
	for i, r := range got {
		ids[i] = r.PointID
	}
	assert.Equal(t, []uint64{1, 3, 5, 2}, ids)
	assert.Empty(t, Merge(nil, 3))
	assert.Len(t, Merge(lists, 100), 5)
}
