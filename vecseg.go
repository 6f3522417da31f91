package vecseg

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/optimizer"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/hupe1980/vecseg/internal/store"
	"github.com/hupe1980/vecseg/internal/wal"
	"github.com/hupe1980/vecseg/quantization"
)

// WALDir is the WAL directory below the collection root.
const WALDir = "wal"

// Point is a stored point.
type Point struct {
	ID      uint64
	Vector  []float32
	Payload uint64
	// Version and SegmentID are set by Get and ignored by UpsertBatch.
	Version   uint64
	SegmentID uint64
}

// Collection is a durable vector collection stored in one directory.
// All methods are safe for concurrent use. Writes are serialized; reads
// never wait for writes or for background work.
type Collection struct {
	dir    string
	dim    int
	metric distance.Metric
	opts   options
	log    *Logger
	fs     fs.FileSystem

	store     *store.Store
	wal       *wal.WAL
	manifests *manifest.Store
	opt       *optimizer.Optimizer

	// mu is the single writer path. It covers WAL append, the durability
	// barrier and the apply, so a write is visible only once it is durable.
	mu       sync.Mutex
	walErr   error
	closed   atomic.Bool
	closeErr error
}

// Open opens the collection in dir, creating it when dir holds none.
// An existing collection is recovered: its persisted segments are loaded
// and the WAL is replayed past the manifest's flushed version. A torn
// final WAL record is dropped; any other corrupt record fails Open with a
// *wal.CorruptRecordError.
func Open(dir string, dim int, optFns ...Option) (*Collection, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidArgument, dim)
	}
	opts := applyOptions(optFns)
	log := opts.logger.WithCollection(dir)
	ctx := context.Background()

	c, err := open(dir, dim, opts, log)
	if err != nil {
		log.LogRecovery(ctx, 0, 0, 0, err)
		return nil, err
	}
	return c, nil
}

func open(dir string, dim int, opts options, log *Logger) (*Collection, error) {
	fsys := opts.fs
	if err := fsys.MkdirAll(filepath.Join(dir, manifest.SegmentsDir), 0o755); err != nil {
		return nil, err
	}
	manifests := manifest.NewStore(fsys, dir)
	m, err := loadManifest(manifests, dim, &opts)
	if err != nil {
		return nil, err
	}
	dist, err := distance.Provider(opts.metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	segs, err := openSegments(dir, m, dist, opts)
	if err != nil {
		return nil, translateError(err)
	}
	if err := removeUnlisted(fsys, dir, m, log); err != nil {
		closeSegments(segs)
		return nil, err
	}

	st := store.New(dim, dist, store.State{
		Segments:      segs,
		NextSegmentID: m.NextSegmentID,
		Version:       m.FlushedVersion,
	}, func(o *store.Options) {
		o.FlushPoints = opts.flushPoints
		o.FlushBytes = opts.flushBytes
		o.FlushAge = opts.flushAge
		o.FS = fsys
		o.Logger = log.Logger
	})

	walOpts := func(o *wal.Options) {
		o.Durability = opts.durability
		o.RotateBytes = opts.walRotateBytes
		o.Compression = opts.walCompression
		o.Logger = log.Logger
	}
	walDir := filepath.Join(dir, WALDir)
	w, err := wal.Open(fsys, walDir, walOpts)
	if err != nil {
		st.Close()
		return nil, err
	}
	res, err := wal.Replay(fsys, walDir, m.FlushedVersion+1, func(rec *wal.Record) error {
		if err := applyRecord(st, rec); err != nil {
			return err
		}
		st.SealIfFull(time.Now())
		return nil
	}, walOpts)
	if err != nil {
		_ = w.Close()
		st.Close()
		return nil, translateError(err)
	}

	c := &Collection{
		dir:       dir,
		dim:       dim,
		metric:    opts.metric,
		opts:      opts,
		log:       log,
		fs:        fsys,
		store:     st,
		wal:       w,
		manifests: manifests,
	}
	c.opt = optimizer.New(dir, st, w, manifests, m, func(o *optimizer.Options) {
		o.FS = fsys
		o.Codec = opts.codec
		o.M = opts.m
		o.EFConstruction = opts.efConstruction
		o.Seed = opts.seed
		o.MergePolicy = opts.mergePolicy
		o.Controller = opts.controller
		o.Metrics = loggingObserver{log: log, next: opts.metrics}
		o.Logger = log.Logger
	})
	c.opt.Start()

	log.LogRecovery(context.Background(), len(segs), res.Applied, st.Version(), nil)
	return c, nil
}

// loadManifest reads the manifest or creates one for a new collection. The
// metric and codec of an existing collection replace unset options.
func loadManifest(ms *manifest.Store, dim int, opts *options) (*manifest.Manifest, error) {
	m, err := ms.Load()
	if errors.Is(err, manifest.ErrNotFound) {
		m = manifest.New(dim, opts.metric.String(), manifest.Codec{
			Kind:       opts.codec.Kind.String(),
			Subvectors: opts.codec.Subvectors,
			Centroids:  opts.codec.Centroids,
			Seed:       opts.codec.Seed,
		})
		if err := ms.Save(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	if m.Dimension != dim {
		return nil, &DimensionMismatchError{Expected: m.Dimension, Actual: dim}
	}
	metric, err := distance.ParseMetric(m.Metric)
	if err != nil {
		return nil, err
	}
	if opts.metricSet && metric != opts.metric {
		return nil, fmt.Errorf("%w: collection metric is %s, not %s", ErrInvalidArgument, metric, opts.metric)
	}
	opts.metric = metric

	kind, err := quantization.ParseKind(m.Codec.Kind)
	if err != nil {
		return nil, err
	}
	if opts.codecSet && kind != opts.codec.Kind {
		return nil, fmt.Errorf("%w: collection codec is %s, not %s", ErrInvalidArgument, kind, opts.codec.Kind)
	}
	opts.codec = quantization.Config{
		Kind:       kind,
		Subvectors: m.Codec.Subvectors,
		Centroids:  m.Codec.Centroids,
		Seed:       m.Codec.Seed,
	}
	return m, nil
}

func openSegments(dir string, m *manifest.Manifest, dist distance.Func, opts options) ([]*immutable.Segment, error) {
	segs := make([]*immutable.Segment, 0, len(m.Segments))
	for _, info := range m.Segments {
		seg, err := immutable.Open(manifest.SegmentDir(dir, info.ID), info.ID, func(o *immutable.Options) {
			o.FS = opts.fs
			o.Controller = opts.controller
			o.Distance = dist
		})
		if err != nil {
			closeSegments(segs)
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func closeSegments(segs []*immutable.Segment) {
	for _, s := range segs {
		_ = s.Close()
	}
}

// removeUnlisted deletes segment directories the manifest does not list.
// They are left behind by flushes or merges interrupted before commit.
func removeUnlisted(fsys fs.FileSystem, dir string, m *manifest.Manifest, log *Logger) error {
	entries, err := fsys.ReadDir(filepath.Join(dir, manifest.SegmentsDir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if id, ok := manifest.ParseSegmentDir(e.Name()); ok {
			if _, listed := m.Segment(id); listed {
				continue
			}
		}
		path := filepath.Join(dir, manifest.SegmentsDir, e.Name())
		if err := fsys.RemoveAll(path); err != nil {
			return err
		}
		log.Warn("removed unlisted segment directory", "path", path)
	}
	return nil
}

func applyRecord(st *store.Store, rec *wal.Record) error {
	switch rec.Op {
	case wal.OpUpsert:
		return st.ApplyUpsert(rec.Version, rec.PointID, rec.Vector, rec.Payload)
	case wal.OpDelete:
		_, err := st.ApplyDelete(rec.Version, rec.PointID)
		return err
	case wal.OpDeleteByFilter:
		_, err := st.ApplyDeleteIDs(rec.Version, rec.PointIDs)
		return err
	case wal.OpSetPayload:
		_, err := st.ApplySetPayload(rec.Version, rec.PointID, rec.Payload)
		return err
	default:
		return fmt.Errorf("%w: %v", wal.ErrInvalidOp, rec.Op)
	}
}

// Dir returns the collection directory.
func (c *Collection) Dir() string { return c.dir }

// Dimension returns the vector dimension.
func (c *Collection) Dimension() int { return c.dim }

// Metric returns the distance metric.
func (c *Collection) Metric() distance.Metric { return c.metric }

// lockWriter takes the writer path and checks that writes are possible.
func (c *Collection) lockWriter() error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.walErr != nil {
		err := c.walErr
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrReadOnly, err)
	}
	return nil
}

// commit logs recs and waits until they are durable. Callers hold mu. A
// failure leaves the collection read-only: records may have reached the
// log without being applied, so no later version can be assigned safely.
func (c *Collection) commit(recs ...*wal.Record) error {
	for _, rec := range recs {
		if _, err := c.wal.Append(rec); err != nil {
			c.walErr = err
			return translateError(err)
		}
	}
	if c.opts.durability == DurabilitySync {
		if err := c.wal.FlushToVersion(recs[len(recs)-1].Version); err != nil {
			c.walErr = err
			return translateError(err)
		}
	}
	return nil
}

// afterWrite seals a full memtable. Callers hold mu.
func (c *Collection) afterWrite() {
	if sealed, ok := c.store.SealIfFull(time.Now()); ok {
		c.log.Debug("memtable sealed", "segment_id", sealed.ID(), "points", sealed.Len(), "version", sealed.SealVersion)
		c.opt.NotifySealed()
	}
}

// Upsert stores a point, replacing any previous point with the same ID,
// and returns the write's version. The point is durable and visible to
// searches when Upsert returns.
func (c *Collection) Upsert(ctx context.Context, id uint64, vec []float32, payload uint64) (_ uint64, err error) {
	var v uint64
	defer func() { c.log.LogUpsert(ctx, 1, v, err) }()

	vec, err = c.prepare(vec)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.lockWriter(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	v = c.store.NextVersion()
	if err := c.commit(&wal.Record{Version: v, Op: wal.OpUpsert, PointID: id, Vector: vec, Payload: payload}); err != nil {
		return 0, err
	}
	if err := c.store.ApplyUpsert(v, id, vec, payload); err != nil {
		return 0, translateError(err)
	}
	c.afterWrite()
	return v, nil
}

// UpsertBatch stores points with consecutive versions behind a single
// durability barrier and returns the last version. Every vector is
// validated before anything is written. Later points win over earlier
// ones with the same ID.
func (c *Collection) UpsertBatch(ctx context.Context, points []Point) (_ uint64, err error) {
	var v uint64
	defer func() { c.log.LogUpsert(ctx, len(points), v, err) }()

	if len(points) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidArgument)
	}
	vecs := make([][]float32, len(points))
	for i, p := range points {
		if vecs[i], err = c.prepare(p.Vector); err != nil {
			return 0, fmt.Errorf("point %d: %w", p.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.lockWriter(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	first := c.store.NextVersion()
	recs := make([]*wal.Record, len(points))
	for i, p := range points {
		recs[i] = &wal.Record{Version: first + uint64(i), Op: wal.OpUpsert, PointID: p.ID, Vector: vecs[i], Payload: p.Payload}
	}
	if err := c.commit(recs...); err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := c.store.ApplyUpsert(rec.Version, rec.PointID, rec.Vector, rec.Payload); err != nil {
			return 0, translateError(err)
		}
		c.afterWrite()
		v = rec.Version
	}
	return v, nil
}

// Delete removes a point and returns the write's version. It returns
// ErrNotFound without writing anything when the point does not exist.
func (c *Collection) Delete(ctx context.Context, id uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.lockWriter(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	if !c.store.Contains(id) {
		return 0, fmt.Errorf("%w: point %d", ErrNotFound, id)
	}
	v := c.store.NextVersion()
	if err := c.commit(&wal.Record{Version: v, Op: wal.OpDelete, PointID: id}); err != nil {
		return 0, err
	}
	if _, err := c.store.ApplyDelete(v, id); err != nil {
		return 0, translateError(err)
	}
	c.log.Debug("delete completed", "id", id, "version", v)
	return v, nil
}

// DeleteByFilter removes every live point admitted by f and returns the
// write's version. The matching IDs are resolved once and logged, so
// replay deletes the same set. It returns version 0 when nothing matches.
func (c *Collection) DeleteByFilter(ctx context.Context, f Filter) (uint64, error) {
	if f == nil {
		return 0, fmt.Errorf("%w: nil filter", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.lockWriter(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	ids, err := c.matching(f)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	v := c.store.NextVersion()
	if err := c.commit(&wal.Record{Version: v, Op: wal.OpDeleteByFilter, PointIDs: ids}); err != nil {
		return 0, err
	}
	n, err := c.store.ApplyDeleteIDs(v, ids)
	if err != nil {
		return 0, translateError(err)
	}
	c.log.Debug("delete by filter completed", "points", n, "version", v)
	return v, nil
}

// matching returns the live points admitted by f. Callers hold mu, so the
// set cannot change before it is logged.
func (c *Collection) matching(f Filter) ([]uint64, error) {
	view, err := c.store.Acquire()
	if err != nil {
		return nil, translateError(err)
	}
	defer view.DecRef()

	var ids []uint64
	for _, seg := range view.All() {
		tomb := seg.Tombstones()
		seg.Iterate(func(r segment.Row) bool {
			if !tomb.Test(r.Offset) && f(r.PointID) {
				ids = append(ids, r.PointID)
			}
			return true
		})
	}
	return ids, nil
}

// SetPayload replaces the payload handle of a point and returns the
// write's version. The vector is kept.
func (c *Collection) SetPayload(ctx context.Context, id uint64, payload uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.lockWriter(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	if !c.store.Contains(id) {
		return 0, fmt.Errorf("%w: point %d", ErrNotFound, id)
	}
	v := c.store.NextVersion()
	if err := c.commit(&wal.Record{Version: v, Op: wal.OpSetPayload, PointID: id, Payload: payload}); err != nil {
		return 0, err
	}
	if _, err := c.store.ApplySetPayload(v, id, payload); err != nil {
		return 0, translateError(err)
	}
	c.afterWrite()
	return v, nil
}

// Get returns the live copy of a point. It never blocks on writers.
func (c *Collection) Get(id uint64) (Point, error) {
	if c.closed.Load() {
		return Point{}, ErrClosed
	}
	p, err := c.store.Get(id)
	if err != nil {
		return Point{}, translateError(err)
	}
	return Point{
		ID:        p.ID,
		Vector:    p.Vector,
		Payload:   p.Payload,
		Version:   p.Version,
		SegmentID: p.SegmentID,
	}, nil
}

// Version returns the version of the last applied write.
func (c *Collection) Version() uint64 { return c.store.Version() }

// Flush seals the memtable, writes it as a plain immutable segment and
// returns that segment's ID. The segment is indexed in the background.
// It returns 0 and ErrNothingToFlush when the memtable is empty and no
// earlier seal is pending.
func (c *Collection) Flush(ctx context.Context) (_ uint64, err error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()
	var (
		id     uint64
		points int
	)
	defer func() {
		if !errors.Is(err, ErrNothingToFlush) {
			c.log.LogFlush(ctx, id, points, time.Since(start), err)
		}
	}()

	c.mu.Lock()
	sealed, ok := c.store.Seal()
	c.mu.Unlock()
	if ok {
		id, points = sealed.ID(), sealed.Len()
	}

	ids, err := c.opt.Flush(ctx)
	if err != nil {
		return 0, translateError(err)
	}
	switch {
	case ok:
		return id, nil
	case len(ids) > 0:
		id = ids[len(ids)-1]
		return id, nil
	default:
		return 0, ErrNothingToFlush
	}
}

// Close stops background work, makes the WAL durable, persists pending
// tombstones and releases all segments. Later calls return the result of
// the first.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return c.closeErr
	}

	var errs []error
	if err := c.opt.Close(); err != nil {
		errs = append(errs, err)
	}
	// Commit syncs the WAL before it persists tombstones.
	if err := c.opt.Commit(context.Background()); err != nil {
		errs = append(errs, translateError(err))
	}
	if err := c.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	c.store.Close()
	c.closeErr = errors.Join(errs...)
	if c.closeErr != nil {
		c.log.Error("close failed", "error", c.closeErr)
	}
	return c.closeErr
}
