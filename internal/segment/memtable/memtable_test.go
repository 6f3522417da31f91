package memtable

import (
	"context"
	"sync"
	"testing"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTable(t *testing.T) {
	mt := New(1, 2, distance.SquaredL2)

	off1, err := mt.Append(10, []float32{1, 0}, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), off1)
	off2, err := mt.Append(20, []float32{0, 1}, 200, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), off2)

	assert.Equal(t, 2, mt.Len())
	assert.Equal(t, 2, mt.Live())
	assert.Equal(t, segment.Mutable, mt.Kind())
	assert.Equal(t, int64(2*(2*4+rowOverhead)), mt.SizeBytes())

	id, ok := mt.PointID(off2)
	require.True(t, ok)
	assert.Equal(t, uint64(20), id)
	assert.Equal(t, uint64(2), mt.Version(off2))
	assert.Equal(t, uint64(200), mt.Payload(off2))
	assert.Equal(t, []float32{0, 1}, mt.Vector(off2))
	assert.Nil(t, mt.Vector(5))

	off, ok := mt.Lookup(10)
	require.True(t, ok)
	assert.Equal(t, off1, off)

	ctx := context.Background()
	res, err := mt.Search(ctx, []float32{1, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, off1, res[0].Offset)
	assert.Zero(t, res[0].Distance)

	assert.True(t, mt.Delete(off1))
	assert.False(t, mt.Delete(off1))
	assert.False(t, mt.Delete(42))
	assert.Equal(t, 1, mt.Live())

	res, err = mt.Search(ctx, []float32{1, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, off2, res[0].Offset)
}

func TestMemTableFilterExcludesResultsOnly(t *testing.T) {
	mt := New(1, 1, distance.SquaredL2)
	for i := range 5 {
		_, err := mt.Append(uint64(i), []float32{float32(i)}, 0, uint64(i+1))
		require.NoError(t, err)
	}

	res, err := mt.Search(context.Background(), []float32{0}, 2, 0, func(off uint32) bool { return off%2 == 1 })
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint32(1), res[0].Offset)
	assert.Equal(t, uint32(3), res[1].Offset)

	res, err = mt.Search(context.Background(), []float32{0}, 2, 0, func(uint32) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMemTableSeal(t *testing.T) {
	mt := New(1, 2, distance.SquaredL2)
	_, err := mt.Append(1, []float32{1, 1}, 0, 1)
	require.NoError(t, err)

	mt.Seal()
	assert.True(t, mt.Sealed())
	_, err = mt.Append(2, []float32{1, 1}, 0, 2)
	assert.ErrorIs(t, err, segment.ErrSealed)

	// Sealed memtables stay searchable and deletable.
	res, err := mt.Search(context.Background(), []float32{1, 1}, 1, 0, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.True(t, mt.Delete(0))
}

func TestMemTableDimensionMismatch(t *testing.T) {
	mt := New(1, 3, distance.SquaredL2)

	_, err := mt.Append(1, []float32{1, 2}, 0, 1)
	var dimErr *segment.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)
	assert.Zero(t, mt.Len())

	_, err = mt.Search(context.Background(), []float32{1}, 1, 0, nil)
	assert.ErrorIs(t, err, segment.ErrDimensionMismatch)
}

func TestMemTableExpiredContext(t *testing.T) {
	mt := New(1, 1, distance.SquaredL2)
	_, err := mt.Append(1, []float32{1}, 0, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := mt.Search(ctx, []float32{1}, 1, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMemTableIterateAcrossPages(t *testing.T) {
	const n = pageSize + 10
	mt := New(1, 2, distance.SquaredL2)
	for i := range n {
		_, err := mt.Append(uint64(i), []float32{float32(i), 1}, uint64(i), uint64(i+1))
		require.NoError(t, err)
	}

	seen := 0
	mt.Iterate(func(r segment.Row) bool {
		assert.Equal(t, uint32(seen), r.Offset)
		assert.Equal(t, uint64(seen), r.PointID)
		assert.Equal(t, float32(seen), r.Vector[0])
		seen++
		return true
	})
	assert.Equal(t, n, seen)

	stopped := 0
	mt.Iterate(func(segment.Row) bool {
		stopped++
		return stopped < 3
	})
	assert.Equal(t, 3, stopped)
}

// Readers racing the writer only ever see fully written vectors.
func TestMemTableNoTornReads(t *testing.T) {
	const (
		dim = 16
		n   = 3000
	)
	mt := New(1, dim, distance.SquaredL2)
	rng := testutil.NewRNG(1)
	query := rng.UniformVectors(1, dim)[0]

	var wg sync.WaitGroup
	done := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				res, err := mt.Search(context.Background(), query, 5, 0, nil)
				if !assert.NoError(t, err) {
					return
				}
				for _, r := range res {
					v := mt.Vector(r.Offset)
					if !assert.Len(t, v, dim) {
						return
					}
					// Every vector is written with all components equal to its id.
					id, _ := mt.PointID(r.Offset)
					for _, x := range v {
						if !assert.Equal(t, float32(id), x) {
							return
						}
					}
				}
			}
		}()
	}

	vec := make([]float32, dim)
	for i := range n {
		for j := range vec {
			vec[j] = float32(i)
		}
		_, err := mt.Append(uint64(i), vec, 0, uint64(i+1))
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}
