package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/hnsw"
	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/store"
	"github.com/hupe1980/vecseg/quantization"
	"github.com/hupe1980/vecseg/resource"
)

// ErrClosed is returned by operations on a closed optimizer.
var ErrClosed = errors.New("optimizer: closed")

// WAL is the part of the write-ahead log the optimizer drives.
type WAL interface {
	// FlushToVersion makes every record up to v durable.
	FlushToVersion(v uint64) error
	// Compact removes log files whose records are all at or below upTo.
	Compact(upTo uint64) (int, error)
}

// Options configures an Optimizer.
type Options struct {
	FS fs.FileSystem
	// Codec is the storage codec of new segments.
	Codec quantization.Config

	M              int
	EFConstruction int
	Seed           int64

	MergePolicy MergePolicy
	Controller  *resource.Controller
	Metrics     MetricsObserver
	Logger      *slog.Logger

	// TickInterval is how often the age trigger of the active memtable is
	// checked.
	TickInterval time.Duration
	// RetryBase and RetryMax bound the exponential backoff of failed tasks.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultOptions returns the default optimizer options.
func DefaultOptions() Options {
	return Options{
		M:              hnsw.DefaultM,
		EFConstruction: hnsw.DefaultEFConstruction,
		MergePolicy:    TieredMergePolicy{Threshold: 4, MaxSegmentPoints: 1_000_000},
		TickInterval:   time.Second,
		RetryBase:      100 * time.Millisecond,
		RetryMax:       30 * time.Second,
	}
}

// Optimizer owns the background workers of a collection.
type Optimizer struct {
	opts      Options
	store     *store.Store
	wal       WAL
	manifests *manifest.Store
	root      string
	log       *slog.Logger
	metrics   MetricsObserver

	commitMu   sync.Mutex
	manifest   *manifest.Manifest
	maxVersion map[uint64]uint64
	// retired holds replaced segments whose directories the last committed
	// manifest may still list. Guarded by commitMu.
	retired []*store.Handle

	// flushMu serializes flushes from the worker and from Flush.
	flushMu sync.Mutex
	// unflushed is the seal version of published flushes that are not yet
	// committed. Guarded by flushMu.
	unflushed uint64
	mergeMu sync.Mutex

	// indexQueue holds plain segments awaiting an index build, oldest
	// first. indexPending mirrors it for deduplication. Both are guarded by
	// indexMu.
	indexMu      sync.Mutex
	indexQueue   []uint64
	indexPending map[uint64]struct{}

	flushCh chan struct{}
	indexCh chan struct{}
	mergeCh chan struct{}
	closeCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates an optimizer for the collection rooted at root. m is the
// manifest the collection was opened with; the optimizer owns it from now on.
func New(root string, st *store.Store, w WAL, manifests *manifest.Store, m *manifest.Manifest, optFns ...func(o *Options)) *Optimizer {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsObserver{}
	}
	if opts.MergePolicy == nil {
		opts.MergePolicy = DefaultOptions().MergePolicy
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Optimizer{
		opts:         opts,
		store:        st,
		wal:          w,
		manifests:    manifests,
		root:         root,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		manifest:     m,
		maxVersion:   make(map[uint64]uint64),
		indexPending: make(map[uint64]struct{}),
		flushCh:      make(chan struct{}, 1),
		indexCh:      make(chan struct{}, 1),
		mergeCh:      make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the workers. Plain segments that exist at start are
// queued for indexing and pending sealed memtables are flushed.
func (o *Optimizer) Start() {
	o.startOnce.Do(func() {
		b := backoff{base: o.opts.RetryBase, max: o.opts.RetryMax}
		goLoop(&o.wg, o.log, "flush", o.closeCh, b, o.runFlushLoop, o.NotifySealed)
		goLoop(&o.wg, o.log, "index", o.closeCh, b, o.runIndexLoop, o.wakeIndex)
		goLoop(&o.wg, o.log, "merge", o.closeCh, b, o.runMergeLoop, o.triggerMerge)
		goLoop(&o.wg, o.log, "ticker", o.closeCh, b, o.runTicker, nil)

		if view, err := o.store.Acquire(); err == nil {
			for _, h := range view.Segments {
				if h.Segment().Kind() == segment.PlainImmutable {
					o.EnqueueIndex(h.Segment().ID())
				}
			}
			if len(view.Sealed) > 0 {
				o.NotifySealed()
			}
			view.DecRef()
		}
		o.triggerMerge()
	})
}

// NotifySealed wakes the flush worker.
func (o *Optimizer) NotifySealed() {
	select {
	case o.flushCh <- struct{}{}:
	default:
	}
}

// EnqueueIndex queues a plain segment for indexing and wakes the index
// worker. Duplicate requests for a segment that is already queued are
// ignored.
func (o *Optimizer) EnqueueIndex(id uint64) {
	o.indexMu.Lock()
	if _, ok := o.indexPending[id]; ok {
		o.indexMu.Unlock()
		return
	}
	o.indexPending[id] = struct{}{}
	o.indexQueue = append(o.indexQueue, id)
	depth := len(o.indexQueue)
	o.indexMu.Unlock()

	o.metrics.OnQueueDepth("index", depth)
	o.wakeIndex()
}

func (o *Optimizer) wakeIndex() {
	select {
	case o.indexCh <- struct{}{}:
	default:
	}
}

// IndexQueueLen returns the number of segments awaiting an index build.
func (o *Optimizer) IndexQueueLen() int {
	o.indexMu.Lock()
	defer o.indexMu.Unlock()
	return len(o.indexQueue)
}

func (o *Optimizer) triggerMerge() {
	select {
	case o.mergeCh <- struct{}{}:
	default:
	}
}

func (o *Optimizer) closed() bool {
	select {
	case <-o.closeCh:
		return true
	default:
		return false
	}
}

func (o *Optimizer) runTicker() {
	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.closeCh:
			return
		case now := <-ticker.C:
			if sealed, ok := o.store.SealIfFull(now); ok {
				o.log.Debug("optimizer: memtable sealed by age", "segment_id", sealed.ID(), "points", sealed.Len())
				o.NotifySealed()
			}
			o.metrics.OnQueueDepth("index", o.IndexQueueLen())
		}
	}
}

func (o *Optimizer) runFlushLoop() {
	var (
		b     = backoff{base: o.opts.RetryBase, max: o.opts.RetryMax}
		retry <-chan time.Time
	)
	for {
		select {
		case <-o.closeCh:
			return
		case <-o.flushCh:
		case <-retry:
		}
		retry = nil
		if _, err := o.flushPending(o.ctx); err != nil {
			if o.closed() {
				return
			}
			d := b.next()
			o.log.Error("optimizer: flush failed, retrying", "error", err, "backoff", d)
			retry = time.After(d)
			continue
		}
		b.reset()
	}
}

func (o *Optimizer) runIndexLoop() {
	var (
		b     = backoff{base: o.opts.RetryBase, max: o.opts.RetryMax}
		retry <-chan time.Time
	)
	for {
		select {
		case <-o.closeCh:
			return
		case <-o.indexCh:
			// A pending retry drains the queue when it fires.
			if retry != nil {
				continue
			}
		case <-retry:
			retry = nil
		}
		if err := o.drainIndexQueue(); err != nil {
			if o.closed() {
				return
			}
			d := b.next()
			o.log.Error("optimizer: index build failed, retrying", "error", err, "backoff", d)
			retry = time.After(d)
			continue
		}
		b.reset()
	}
}

// drainIndexQueue builds indexes until the queue is empty. A segment that
// fails moves to the back of the queue so it does not block the others.
func (o *Optimizer) drainIndexQueue() error {
	for !o.closed() {
		o.indexMu.Lock()
		if len(o.indexQueue) == 0 {
			o.indexMu.Unlock()
			return nil
		}
		id := o.indexQueue[0]
		o.indexMu.Unlock()

		err := o.buildIndex(o.ctx, id)

		o.indexMu.Lock()
		o.indexQueue = o.indexQueue[1:]
		if err != nil {
			o.indexQueue = append(o.indexQueue, id)
		} else {
			delete(o.indexPending, id)
		}
		depth := len(o.indexQueue)
		o.indexMu.Unlock()
		o.metrics.OnQueueDepth("index", depth)

		if err != nil {
			return fmt.Errorf("segment %d: %w", id, err)
		}
	}
	return nil
}

func (o *Optimizer) runMergeLoop() {
	var (
		b     = backoff{base: o.opts.RetryBase, max: o.opts.RetryMax}
		retry <-chan time.Time
	)
	for {
		select {
		case <-o.closeCh:
			return
		case <-o.mergeCh:
		case <-retry:
		}
		retry = nil
		if err := o.mergeAll(o.ctx); err != nil {
			if o.closed() {
				return
			}
			d := b.next()
			o.log.Error("optimizer: merge failed, retrying", "error", err, "backoff", d)
			retry = time.After(d)
			continue
		}
		b.reset()
	}
}

// Flush synchronously flushes every sealed memtable and returns the IDs of
// the segments that were written.
func (o *Optimizer) Flush(ctx context.Context) ([]uint64, error) {
	if o.closed() {
		return nil, ErrClosed
	}
	return o.flushPending(ctx)
}

// Commit persists all dirty tombstones and saves the manifest.
func (o *Optimizer) Commit(ctx context.Context) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	return o.commitLocked(ctx, 0)
}

// commitRetiring commits the current view and then releases the
// directories of retired. After a failed commit they stay on disk and are
// released by the next commit that succeeds.
func (o *Optimizer) commitRetiring(ctx context.Context, retired []*store.Handle) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	o.retired = append(o.retired, retired...)
	return o.commitLocked(ctx, 0)
}

// Manifest returns a copy of the last committed manifest.
func (o *Optimizer) Manifest() *manifest.Manifest {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	return o.manifest.Clone()
}

// Checkpoint commits the current view and returns it with the manifest that
// describes it. The caller releases the view with DecRef.
func (o *Optimizer) Checkpoint(ctx context.Context) (*manifest.Manifest, *store.View, error) {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	view, err := o.store.Acquire()
	if err != nil {
		return nil, nil, err
	}
	if err := o.commitView(ctx, view, 0); err != nil {
		view.DecRef()
		return nil, nil, err
	}
	return o.manifest.Clone(), view, nil
}

// commitLocked writes a manifest describing the current view. flushed, when
// non-zero, advances FlushedVersion.
func (o *Optimizer) commitLocked(ctx context.Context, flushed uint64) error {
	view, err := o.store.Acquire()
	if err != nil {
		return err
	}
	defer view.DecRef()
	return o.commitView(ctx, view, flushed)
}

func (o *Optimizer) commitView(ctx context.Context, view *store.View, flushed uint64) error {
	// Tombstones must not reach disk ahead of the records that set them.
	if err := o.wal.FlushToVersion(o.store.Version()); err != nil {
		return err
	}
	next := o.manifest.Clone()
	next.Segments = make([]manifest.SegmentInfo, 0, len(view.Segments))
	live := make(map[uint64]struct{}, len(view.Segments))
	for _, h := range view.Segments {
		seg := h.Segment()
		if _, err := seg.PersistTombstones(ctx); err != nil {
			return err
		}
		maxV, ok := o.maxVersion[seg.ID()]
		if !ok {
			seg.Iterate(func(r segment.Row) bool {
				maxV = max(maxV, r.Version)
				return true
			})
			o.maxVersion[seg.ID()] = maxV
		}
		live[seg.ID()] = struct{}{}
		next.Segments = append(next.Segments, manifest.SegmentInfo{
			ID:         seg.ID(),
			Kind:       seg.Kind().String(),
			Points:     seg.Len(),
			Deleted:    seg.Len() - seg.Live(),
			MaxVersion: maxV,
		})
	}
	for id := range o.maxVersion {
		if _, ok := live[id]; !ok {
			delete(o.maxVersion, id)
		}
	}
	next.NextSegmentID = o.store.NextSegmentID()
	if flushed > next.FlushedVersion {
		next.FlushedVersion = flushed
	}
	if err := o.manifests.Save(next); err != nil {
		return err
	}
	o.manifest = next
	for _, h := range o.retired {
		h.MarkObsolete()
	}
	o.retired = nil
	return nil
}

// Close stops the workers and waits for them. In-flight tasks observe a
// canceled context.
func (o *Optimizer) Close() error {
	o.closeOnce.Do(func() {
		close(o.closeCh)
		o.cancel()
	})
	o.wg.Wait()
	return nil
}
