package vecseg

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/coordinator"
)

// Filter admits points by ID.
type Filter func(id uint64) bool

// RoaringFilter admits the points in bm. bm must not change while the
// filter is in use.
func RoaringFilter(bm *roaring64.Bitmap) Filter {
	return bm.Contains
}

// WithRoaringFilter restricts results to the points in bm.
func WithRoaringFilter(bm *roaring64.Bitmap) SearchOption {
	return WithFilter(RoaringFilter(bm))
}

// Result is a search hit.
type Result struct {
	ID       uint64
	Distance float32
	Payload  uint64
	// Version is the write version of the returned copy.
	Version   uint64
	SegmentID uint64
	// Vector is set when searching WithVectors.
	Vector []float32
}

// Search returns the topK nearest live points to query, nearest first.
// Ties are broken by segment ID and then offset. An empty collection or a
// filter that admits nothing yields no results and no error. When ctx
// expires mid-search the results gathered so far are returned.
func (c *Collection) Search(ctx context.Context, query []float32, topK int, optFns ...SearchOption) (_ []Result, err error) {
	start := time.Now()
	var out []Result
	defer func() {
		c.log.LogSearch(ctx, topK, len(out), time.Since(start), err)
	}()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidArgument, topK)
	}
	q, err := c.prepare(query)
	if err != nil {
		return nil, err
	}
	so := searchOptions{ef: c.opts.efSearch}
	for _, fn := range optFns {
		fn(&so)
	}

	view, err := c.store.Acquire()
	if err != nil {
		return nil, translateError(err)
	}
	defer view.DecRef()

	hits, err := coordinator.Search(ctx, view, q, coordinator.Params{
		TopK:        topK,
		EF:          so.ef,
		Filter:      so.filter,
		Parallelism: c.opts.parallelism,
	})
	if err != nil {
		return nil, translateError(err)
	}

	out = make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{
			ID:        h.PointID,
			Distance:  h.Distance,
			Payload:   h.Payload,
			Version:   h.Version,
			SegmentID: h.SegmentID,
		}
		if so.withVectors {
			if seg, ok := view.Segment(h.SegmentID); ok {
				out[i].Vector = slices.Clone(seg.Vector(h.Offset))
			}
		}
	}
	return out, nil
}

// prepare validates v and normalizes it when the metric requires it.
func (c *Collection) prepare(v []float32) ([]float32, error) {
	if len(v) != c.dim {
		return nil, &DimensionMismatchError{Expected: c.dim, Actual: len(v)}
	}
	if !c.metric.Normalized() {
		return v, nil
	}
	n, ok := distance.NormalizeL2Copy(v)
	if !ok {
		return nil, fmt.Errorf("%w: zero vector under %s", ErrInvalidArgument, c.metric)
	}
	return n, nil
}
