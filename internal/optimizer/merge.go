package optimizer

import (
	"context"
	"time"

	"github.com/hupe1980/vecseg/internal/bitset"
	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/hupe1980/vecseg/internal/store"
)

// mergeSource holds the live rows copied out of the merge inputs.
type mergeSource struct {
	dim     int
	rows    []segment.Row
	origins []store.Origin
}

func (m *mergeSource) Dimension() int             { return m.dim }
func (m *mergeSource) Len() int                   { return len(m.rows) }
func (m *mergeSource) Tombstones() *bitset.BitSet { return bitset.New(0) }

func (m *mergeSource) Iterate(fn func(segment.Row) bool) {
	for i, r := range m.rows {
		r.Offset = uint32(i)
		if !fn(r) {
			return
		}
	}
}

// mergeAll runs merges until the policy has nothing left to pick.
func (o *Optimizer) mergeAll(ctx context.Context) error {
	o.mergeMu.Lock()
	defer o.mergeMu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ids, err := o.pick()
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := o.merge(ctx, ids); err != nil {
			return err
		}
	}
}

func (o *Optimizer) pick() ([]uint64, error) {
	view, err := o.store.Acquire()
	if err != nil {
		return nil, err
	}
	defer view.DecRef()
	stats := make([]SegmentStats, 0, len(view.Segments))
	for _, h := range view.Segments {
		seg := h.Segment()
		stats = append(stats, SegmentStats{
			ID:        seg.ID(),
			Kind:      seg.Kind(),
			Points:    seg.Len(),
			Live:      seg.Live(),
			SizeBytes: seg.SizeBytes(),
		})
	}
	return o.opts.MergePolicy.Pick(stats), nil
}

// merge copies the live rows of the source segments into a new indexed
// segment and swaps it in.
func (o *Optimizer) merge(ctx context.Context, ids []uint64) (err error) {
	view, err := o.store.Acquire()
	if err != nil {
		return err
	}
	defer view.DecRef()

	start := time.Now()
	src := &mergeSource{dim: o.store.Dimension()}
	defer func() {
		o.metrics.OnMerge(time.Since(start), len(ids), len(src.rows), err)
		o.log.Info("optimizer: merge", "sources", ids, "points", len(src.rows),
			"duration", time.Since(start), "error", err)
	}()

	if err := o.opts.Controller.AcquireBackground(ctx); err != nil {
		return err
	}
	defer o.opts.Controller.ReleaseBackground()

	var live int
	for _, id := range ids {
		if seg, ok := view.Segment(id); ok {
			live += seg.Live()
		}
	}
	reserve := int64(live) * int64(src.dim*4+24)
	if err := o.opts.Controller.AcquireMemory(ctx, reserve); err != nil {
		return err
	}
	defer o.opts.Controller.ReleaseMemory(reserve)

	src.rows = make([]segment.Row, 0, live)
	for _, id := range ids {
		seg, ok := view.Segment(id)
		if !ok {
			return nil
		}
		tomb := seg.Tombstones()
		seg.Iterate(func(r segment.Row) bool {
			if tomb.Test(r.Offset) {
				return true
			}
			src.origins = append(src.origins, store.Origin{SegmentID: id, Offset: r.Offset})
			r.Vector = append([]float32(nil), r.Vector...)
			src.rows = append(src.rows, r)
			return true
		})
	}

	if len(src.rows) == 0 {
		retired, err := o.store.ReplaceMerged(ids, nil, nil)
		if err != nil {
			return err
		}
		return o.commitRetiring(ctx, retired)
	}

	newID := o.store.AllocateSegmentID()
	dir := manifest.SegmentDir(o.root, newID)
	merged, err := o.writeMerged(ctx, dir, newID, src)
	if err != nil {
		_ = o.opts.FS.RemoveAll(dir)
		return err
	}
	retired, err := o.store.ReplaceMerged(ids, merged, src.origins)
	if err != nil {
		_ = merged.Close()
		_ = o.opts.FS.RemoveAll(dir)
		return err
	}
	return o.commitRetiring(ctx, retired)
}

func (o *Optimizer) writeMerged(ctx context.Context, dir string, id uint64, src *mergeSource) (*immutable.Segment, error) {
	if err := immutable.Write(ctx, dir, src, o.writeOptions(id)); err != nil {
		return nil, err
	}
	open := func(opts *immutable.Options) {
		opts.FS = o.opts.FS
		opts.Controller = o.opts.Controller
		opts.Distance = o.store.Distance()
	}
	plain, err := immutable.Open(dir, id, open)
	if err != nil {
		return nil, err
	}
	g, err := o.buildGraph(ctx, plain)
	_ = plain.Close()
	if err != nil {
		return nil, err
	}
	if err := immutable.WriteGraph(ctx, dir, g, o.writeOptions(id)); err != nil {
		return nil, err
	}
	seg, err := immutable.Open(dir, id, open)
	if err != nil {
		return nil, err
	}
	o.metrics.OnThroughput("merge", seg.SizeBytes())
	return seg, nil
}
