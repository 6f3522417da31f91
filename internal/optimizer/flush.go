package optimizer

import (
	"context"
	"time"

	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/hupe1980/vecseg/internal/store"
)

// flushPending flushes sealed memtables oldest first until none is left.
func (o *Optimizer) flushPending(ctx context.Context) ([]uint64, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	var flushed []uint64
	if err := o.finishFlush(ctx); err != nil {
		return nil, err
	}
	for {
		view, err := o.store.Acquire()
		if err != nil {
			return flushed, err
		}
		if len(view.Sealed) == 0 {
			view.DecRef()
			return flushed, nil
		}
		sealed := view.Sealed[0]
		view.DecRef()

		if err := o.flushOne(ctx, sealed); err != nil {
			return flushed, err
		}
		flushed = append(flushed, sealed.ID())
		if err := o.finishFlush(ctx); err != nil {
			return flushed, err
		}
	}
}

func (o *Optimizer) flushOne(ctx context.Context, sealed store.Sealed) (err error) {
	start := time.Now()
	points := sealed.Len()
	defer func() {
		o.metrics.OnFlush(time.Since(start), points, err)
		o.log.Info("optimizer: flush", "segment_id", sealed.ID(), "points", points,
			"seal_version", sealed.SealVersion, "duration", time.Since(start), "error", err)
	}()

	id := sealed.ID()
	dir := manifest.SegmentDir(o.root, id)
	if err := immutable.Write(ctx, dir, sealed, o.writeOptions(id)); err != nil {
		_ = o.opts.FS.RemoveAll(dir)
		return err
	}
	seg, err := immutable.Open(dir, id, func(opts *immutable.Options) {
		opts.FS = o.opts.FS
		opts.Controller = o.opts.Controller
		opts.Distance = o.store.Distance()
		opts.Tombstones = sealed.Tombstones()
	})
	if err != nil {
		_ = o.opts.FS.RemoveAll(dir)
		return err
	}
	o.metrics.OnThroughput("flush", seg.SizeBytes())
	if err := o.store.ReplaceSealed(id, seg); err != nil {
		_ = seg.Close()
		return err
	}

	o.unflushed = max(o.unflushed, sealed.SealVersion)
	o.EnqueueIndex(id)
	return nil
}

// finishFlush commits published flushes. The WAL is synced up to their
// seal version before the manifest advances its flushed version. A failed
// step is retried by the next flush.
func (o *Optimizer) finishFlush(ctx context.Context) error {
	v := o.unflushed
	if v == 0 {
		return nil
	}
	if err := o.wal.FlushToVersion(v); err != nil {
		return err
	}
	o.commitMu.Lock()
	err := o.commitLocked(ctx, v)
	o.commitMu.Unlock()
	if err != nil {
		return err
	}
	o.unflushed = 0
	if n, err := o.wal.Compact(v); err != nil {
		o.log.Warn("optimizer: wal compaction failed", "error", err)
	} else if n > 0 {
		o.log.Debug("optimizer: wal compacted", "files", n, "up_to", v)
	}
	return nil
}

func (o *Optimizer) writeOptions(id uint64) func(*immutable.WriteOptions) {
	return func(w *immutable.WriteOptions) {
		w.FS = o.opts.FS
		w.Codec = o.opts.Codec
		w.Controller = o.opts.Controller
		w.SegmentID = id
	}
}
