package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/vecseg/internal/hnsw"
	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
)

// buildIndex turns plain segment id into an indexed segment. Segments that
// are gone or already indexed are skipped. A plain segment without live
// points is dropped instead.
func (o *Optimizer) buildIndex(ctx context.Context, id uint64) (err error) {
	view, err := o.store.Acquire()
	if err != nil {
		return err
	}
	defer view.DecRef()

	h, ok := view.Handle(id)
	if !ok || h.Segment().Kind() != segment.PlainImmutable {
		return nil
	}
	plain := h.Segment()
	if plain.Live() == 0 {
		retired, err := o.store.ReplaceMerged([]uint64{id}, nil, nil)
		if err != nil {
			return err
		}
		o.log.Debug("optimizer: dropped empty segment", "segment_id", id)
		return o.commitRetiring(ctx, retired)
	}

	if err := o.opts.Controller.AcquireBackground(ctx); err != nil {
		return err
	}
	defer o.opts.Controller.ReleaseBackground()

	start := time.Now()
	points := plain.Live()
	defer func() {
		o.metrics.OnIndexBuild(time.Since(start), points, err)
		o.log.Info("optimizer: index build", "segment_id", id, "points", points,
			"duration", time.Since(start), "error", err)
	}()

	g, err := o.buildGraph(ctx, plain)
	if err != nil {
		return err
	}
	dir := manifest.SegmentDir(o.root, id)
	if err := immutable.WriteGraph(ctx, dir, g, o.writeOptions(id)); err != nil {
		return err
	}
	indexed, err := immutable.Open(dir, id, func(opts *immutable.Options) {
		opts.FS = o.opts.FS
		opts.Controller = o.opts.Controller
		opts.Distance = o.store.Distance()
		opts.Tombstones = plain.Tombstones()
	})
	if err != nil {
		return err
	}
	if err := o.store.ReplaceSegment(indexed); err != nil {
		_ = indexed.Close()
		return err
	}
	if err := o.Commit(ctx); err != nil {
		return err
	}
	o.triggerMerge()
	return nil
}

// buildGraph inserts every live offset of seg. Offsets deleted during the
// build stay in the graph and are filtered by the shared tombstones.
func (o *Optimizer) buildGraph(ctx context.Context, seg *immutable.Segment) (*hnsw.Graph, error) {
	g, err := hnsw.New(seg.Dimension(), o.store.Distance(), seg, func(opts *hnsw.Options) {
		opts.M = o.opts.M
		opts.EFConstruction = o.opts.EFConstruction
		opts.Seed = o.opts.Seed
	})
	if err != nil {
		return nil, err
	}
	tomb := seg.Tombstones()
	for off := range uint32(seg.Len()) {
		if off%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if tomb.Test(off) {
			continue
		}
		if err := g.Insert(off, seg.Vector(off)); err != nil {
			return nil, fmt.Errorf("optimizer: insert offset %d of segment %d: %w", off, seg.ID(), err)
		}
	}
	return g, nil
}
