// Package coordinator fans a query out over the segments of a view and
// merges the per-segment results.
package coordinator

import (
	"container/heap"
	"context"
	"runtime"
	"slices"

	"github.com/hupe1980/vecseg/internal/segment"
	"golang.org/x/sync/errgroup"
)

// View is a snapshot of searchable segments.
type View interface {
	All() []segment.Segment
}

// Params configures one search.
type Params struct {
	TopK int
	// EF is the HNSW beam width. Values below TopK are raised to TopK.
	EF int
	// Filter admits points by ID. Nil admits every live point.
	Filter func(id uint64) bool
	// Parallelism bounds concurrent segment searches. 0 uses GOMAXPROCS.
	Parallelism int
}

// Result is one hit.
type Result struct {
	PointID   uint64
	Distance  float32
	SegmentID uint64
	Offset    uint32
	Version   uint64
	Payload   uint64
}

// Search returns the TopK nearest live points of view ordered by
// (distance, segment ID, offset). A context that expires during the search
// yields the results gathered so far.
func Search(ctx context.Context, view View, query []float32, p Params) ([]Result, error) {
	if p.TopK <= 0 {
		return nil, nil
	}
	ef := max(p.EF, p.TopK)
	par := p.Parallelism
	if par <= 0 {
		par = runtime.GOMAXPROCS(0)
	}

	segs := view.All()
	lists := make([][]Result, len(segs))

	var g errgroup.Group
	g.SetLimit(par)
	for i, seg := range segs {
		g.Go(func() error {
			if segment.Expired(ctx) {
				return nil
			}
			hits, err := seg.Search(ctx, query, p.TopK, ef, adaptFilter(seg, p.Filter))
			if err != nil {
				return err
			}
			lists[i] = toResults(seg, hits)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(lists, p.TopK), nil
}

// adaptFilter turns a point predicate into an offset predicate of seg.
func adaptFilter(seg segment.Segment, filter func(uint64) bool) segment.Filter {
	if filter == nil {
		return nil
	}
	return func(off uint32) bool {
		id, ok := seg.PointID(off)
		return ok && filter(id)
	}
}

func toResults(seg segment.Segment, hits []segment.Result) []Result {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		id, ok := seg.PointID(h.Offset)
		if !ok {
			continue
		}
		out = append(out, Result{
			PointID:   id,
			Distance:  h.Distance,
			SegmentID: seg.ID(),
			Offset:    h.Offset,
			Version:   seg.Version(h.Offset),
			Payload:   seg.Payload(h.Offset),
		})
	}
	slices.SortFunc(out, compare)
	return out
}

func compare(a, b Result) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	case a.SegmentID < b.SegmentID:
		return -1
	case a.SegmentID > b.SegmentID:
		return 1
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

type cursor struct {
	list []Result
	pos  int
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	return compare(h[i].list[h[i].pos], h[j].list[h[j].pos]) < 0
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// Merge k-way merges sorted lists and keeps the first k results.
func Merge(lists [][]Result, k int) []Result {
	h := make(cursorHeap, 0, len(lists))
	total := 0
	for _, l := range lists {
		if len(l) > 0 {
			h = append(h, &cursor{list: l})
			total += len(l)
		}
	}
	heap.Init(&h)

	out := make([]Result, 0, min(k, total))
	for h.Len() > 0 && len(out) < k {
		c := h[0]
		out = append(out, c.list[c.pos])
		c.pos++
		if c.pos == len(c.list) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}
