// Package store owns the segment set of a collection. It routes writes to
// the active memtable, keeps the point id index, and publishes immutable
// views that readers acquire without locking.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/hupe1980/vecseg/internal/segment/memtable"
)

var (
	ErrClosed     = errors.New("store: closed")
	ErrOutOfOrder = errors.New("store: version out of order")
	ErrNotFound   = errors.New("store: point not found")
)

// Options configures the flush triggers of the active memtable.
type Options struct {
	// FlushPoints seals the memtable at this many rows. 0 disables.
	FlushPoints int
	// FlushBytes seals the memtable at this estimated size. 0 disables.
	FlushBytes int64
	// FlushAge seals a non-empty memtable this long after its creation.
	// 0 disables.
	FlushAge time.Duration

	FS     fs.FileSystem
	Logger *slog.Logger
}

// DefaultOptions returns the default flush triggers.
func DefaultOptions() Options {
	return Options{
		FlushPoints: 100_000,
		FlushBytes:  64 << 20,
		FlushAge:    time.Minute,
	}
}

// State is the persisted state a store is opened with.
type State struct {
	Segments      []*immutable.Segment
	NextSegmentID uint64
	// Version is the last applied version.
	Version uint64
}

type location struct {
	segID  uint64
	offset uint32
}

// Store is the segment store.
type Store struct {
	dim  int
	dist distance.Func
	opts Options
	log  *slog.Logger

	// mu serializes writers and publishes; readers never take it.
	mu        sync.Mutex
	index     map[uint64]location
	nextSegID uint64
	closed    bool

	version atomic.Uint64
	current atomic.Pointer[View]
}

// New creates a store over the persisted segments in st. Later segments
// win when the same point is live in more than one of them.
func New(dim int, dist distance.Func, st State, optFns ...func(o *Options)) *Store {
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
	s := &Store{
		dim:       dim,
		dist:      dist,
		opts:      opts,
		log:       opts.Logger,
		index:     make(map[uint64]location),
		nextSegID: max(st.NextSegmentID, 1),
	}

	segs := slices.Clone(st.Segments)
	slices.SortFunc(segs, func(a, b *immutable.Segment) int { return compareID(a.ID(), b.ID()) })
	handles := make([]*Handle, 0, len(segs))
	known := make(map[uint64]segment.Segment, len(segs))
	for _, seg := range segs {
		if seg.ID() >= s.nextSegID {
			s.nextSegID = seg.ID() + 1
		}
		handles = append(handles, newHandle(seg, opts.FS, s.log))
		known[seg.ID()] = seg
		s.indexSegment(seg, known)
	}

	s.version.Store(st.Version)
	active := memtable.New(s.allocID(), dim, dist)
	s.current.Store(newView(active, nil, handles, st.Version))
	return s
}

// indexSegment adds the live rows of seg to the index. When a point is
// live in several segments the copy with the newer version wins and the
// other is tombstoned.
func (s *Store) indexSegment(seg segment.Segment, known map[uint64]segment.Segment) {
	tomb := seg.Tombstones()
	seg.Iterate(func(r segment.Row) bool {
		if tomb.Test(r.Offset) {
			return true
		}
		if prev, ok := s.index[r.PointID]; ok {
			if other, ok := known[prev.segID]; ok {
				if other.Version(prev.offset) > r.Version {
					seg.Delete(r.Offset)
					return true
				}
				other.Delete(prev.offset)
			}
		}
		s.index[r.PointID] = location{segID: seg.ID(), offset: r.Offset}
		return true
	})
}

func compareID(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *Store) allocID() uint64 {
	id := s.nextSegID
	s.nextSegID++
	return id
}

// Dimension returns the vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Distance returns the distance function.
func (s *Store) Distance() distance.Func { return s.dist }

// Version returns the last applied version.
func (s *Store) Version() uint64 { return s.version.Load() }

// NextVersion returns the version the next write must carry. It does not
// reserve it; callers serialize writes.
func (s *Store) NextVersion() uint64 { return s.version.Load() + 1 }

// AllocateSegmentID reserves a fresh segment ID.
func (s *Store) AllocateSegmentID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocID()
}

// NextSegmentID returns the ID the next allocated segment will get.
func (s *Store) NextSegmentID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSegID
}

// Acquire returns the current view with a reference the caller must
// release with DecRef.
func (s *Store) Acquire() (*View, error) {
	for {
		v := s.current.Load()
		if v == nil {
			return nil, ErrClosed
		}
		if v.TryIncRef() {
			return v, nil
		}
		// Released concurrently; its successor is already published.
		runtime.Gosched()
	}
}

// publish installs next and releases the store's reference on the
// previous view. Callers hold mu.
func (s *Store) publish(next *View) {
	if prev := s.current.Swap(next); prev != nil {
		prev.DecRef()
	}
}

func (s *Store) applyVersion(v uint64) error {
	if cur := s.version.Load(); v <= cur {
		return fmt.Errorf("%w: %d <= %d", ErrOutOfOrder, v, cur)
	}
	s.version.Store(v)
	return nil
}

// tombstone deletes the indexed copy of id. Callers hold mu.
func (s *Store) tombstone(view *View, id uint64) (segment.Segment, uint32, bool) {
	loc, ok := s.index[id]
	if !ok {
		return nil, 0, false
	}
	delete(s.index, id)
	seg, ok := view.Segment(loc.segID)
	if !ok {
		s.log.Error("store: index points at unknown segment", "segment_id", loc.segID, "point_id", id)
		return nil, 0, false
	}
	seg.Delete(loc.offset)
	return seg, loc.offset, true
}

// ApplyUpsert stores a point at version v. The previous copy of id is
// tombstoned before the new one becomes visible.
func (s *Store) ApplyUpsert(v, id uint64, vec []float32, payload uint64) error {
	if len(vec) != s.dim {
		return &segment.DimensionMismatchError{Expected: s.dim, Actual: len(vec)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.applyVersion(v); err != nil {
		return err
	}
	view := s.current.Load()
	s.tombstone(view, id)
	return s.append(view, v, id, vec, payload)
}

func (s *Store) append(view *View, v, id uint64, vec []float32, payload uint64) error {
	off, err := view.Active.Append(id, vec, payload, v)
	if err != nil {
		return err
	}
	s.index[id] = location{segID: view.Active.ID(), offset: off}
	return nil
}

// ApplyDelete tombstones id at version v and reports whether it existed.
func (s *Store) ApplyDelete(v, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if err := s.applyVersion(v); err != nil {
		return false, err
	}
	_, _, ok := s.tombstone(s.current.Load(), id)
	return ok, nil
}

// ApplyDeleteIDs tombstones every id at version v and returns how many
// existed.
func (s *Store) ApplyDeleteIDs(v uint64, ids []uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.applyVersion(v); err != nil {
		return 0, err
	}
	view := s.current.Load()
	n := 0
	for _, id := range ids {
		if _, _, ok := s.tombstone(view, id); ok {
			n++
		}
	}
	return n, nil
}

// ApplySetPayload re-upserts the stored vector of id with a new payload
// handle. It reports false when id does not exist; the version is still
// consumed so that replay stays gapless.
func (s *Store) ApplySetPayload(v, id, payload uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if err := s.applyVersion(v); err != nil {
		return false, err
	}
	view := s.current.Load()
	seg, off, ok := s.tombstone(view, id)
	if !ok {
		return false, nil
	}
	vec := slices.Clone(seg.Vector(off))
	return true, s.append(view, v, id, vec, payload)
}

// Contains reports whether id is live. It takes the writer lock, so the
// answer holds until the caller's next write.
func (s *Store) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Point is a stored point.
type Point struct {
	ID        uint64
	Vector    []float32
	Payload   uint64
	Version   uint64
	SegmentID uint64
}

// Get returns the live copy of id from the current view.
func (s *Store) Get(id uint64) (Point, error) {
	view, err := s.Acquire()
	if err != nil {
		return Point{}, err
	}
	defer view.DecRef()
	seg, off, ok := view.Get(id)
	if !ok {
		return Point{}, ErrNotFound
	}
	return Point{
		ID:        id,
		Vector:    slices.Clone(seg.Vector(off)),
		Payload:   seg.Payload(off),
		Version:   seg.Version(off),
		SegmentID: seg.ID(),
	}, nil
}

// ShouldSeal reports whether the active memtable reached a flush trigger.
func (s *Store) ShouldSeal(now time.Time) bool {
	v := s.current.Load()
	if v == nil {
		return false
	}
	active := v.Active
	n := active.Len()
	if n == 0 {
		return false
	}
	switch {
	case s.opts.FlushPoints > 0 && n >= s.opts.FlushPoints:
		return true
	case s.opts.FlushBytes > 0 && active.SizeBytes() >= s.opts.FlushBytes:
		return true
	case s.opts.FlushAge > 0 && now.Sub(active.CreatedAt()) >= s.opts.FlushAge:
		return true
	}
	return false
}

// SealIfFull seals the active memtable when it reached a flush trigger.
func (s *Store) SealIfFull(now time.Time) (Sealed, bool) {
	if !s.ShouldSeal(now) {
		return Sealed{}, false
	}
	return s.Seal()
}

// Seal moves a non-empty active memtable to the sealed list and installs a
// new empty one in the same publish.
func (s *Store) Seal() (Sealed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	if s.closed || cur.Active.Len() == 0 {
		return Sealed{}, false
	}
	cur.Active.Seal()
	sealed := Sealed{MemTable: cur.Active, SealVersion: s.version.Load()}
	next := s.derive(cur, func(v *viewParts) {
		v.active = memtable.New(s.allocID(), s.dim, s.dist)
		v.sealed = append(v.sealed, sealed)
	})
	s.publish(next)
	s.log.Debug("store: sealed memtable", "segment_id", sealed.ID(), "points", sealed.Len(), "version", sealed.SealVersion)
	return sealed, true
}

type viewParts struct {
	active *memtable.MemTable
	sealed []Sealed
	segs   []*Handle
}

// derive builds the successor of cur. New handles in the result start with
// the reference the caller created them with; carried ones gain one.
func (s *Store) derive(cur *View, edit func(v *viewParts)) *View {
	parts := &viewParts{
		active: cur.Active,
		sealed: slices.Clone(cur.Sealed),
		segs:   slices.Clone(cur.Segments),
	}
	for _, h := range parts.segs {
		h.IncRef()
	}
	edit(parts)
	slices.SortFunc(parts.segs, func(a, b *Handle) int { return compareID(a.seg.ID(), b.seg.ID()) })
	return newView(parts.active, parts.sealed, parts.segs, s.version.Load())
}

// removeHandle drops the handle of id from parts and releases the
// reference derive took on it.
func (p *viewParts) removeHandle(id uint64) *Handle {
	for i, h := range p.segs {
		if h.seg.ID() == id {
			p.segs = slices.Delete(p.segs, i, i+1)
			h.DecRef()
			return h
		}
	}
	return nil
}

// ReplaceSealed swaps a flushed memtable for its plain segment. The
// segment keeps the memtable's ID, offsets and tombstones, so the index
// stays valid.
func (s *Store) ReplaceSealed(sealedID uint64, seg *immutable.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur := s.current.Load()
	idx := slices.IndexFunc(cur.Sealed, func(m Sealed) bool { return m.ID() == sealedID })
	if idx < 0 {
		return fmt.Errorf("store: sealed memtable %d not found", sealedID)
	}
	if seg.ID() != sealedID || seg.Len() != cur.Sealed[idx].Len() {
		return fmt.Errorf("store: segment %d does not match sealed memtable %d", seg.ID(), sealedID)
	}
	h := newHandle(seg, s.opts.FS, s.log)
	s.publish(s.derive(cur, func(v *viewParts) {
		v.sealed = slices.Delete(v.sealed, idx, idx+1)
		v.segs = append(v.segs, h)
	}))
	return nil
}

// ReplaceSegment swaps an immutable segment for a new incarnation with the
// same ID and offsets, such as its indexed form.
func (s *Store) ReplaceSegment(seg *immutable.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur := s.current.Load()
	old, ok := cur.Handle(seg.ID())
	if !ok {
		return fmt.Errorf("store: segment %d not found", seg.ID())
	}
	if old.seg.Len() != seg.Len() {
		return fmt.Errorf("store: segment %d incarnation has %d rows, expected %d", seg.ID(), seg.Len(), old.seg.Len())
	}
	h := newHandle(seg, s.opts.FS, s.log)
	s.publish(s.derive(cur, func(v *viewParts) {
		v.removeHandle(seg.ID())
		v.segs = append(v.segs, h)
	}))
	return nil
}

// Origin locates the source row a merged row was copied from.
type Origin struct {
	SegmentID uint64
	Offset    uint32
}

// ReplaceMerged swaps the source segments for merged, whose offset i was
// copied from origins[i]. Rows deleted or superseded after the merge
// snapshot are tombstoned in merged, and the index is rewired for the
// rest. A nil merged drops the sources without replacement.
//
// The returned handles of the sources are not obsolete yet. The caller
// marks them once a manifest without the sources is durable, so their
// directories outlive a failed commit.
func (s *Store) ReplaceMerged(sources []uint64, merged *immutable.Segment, origins []Origin) ([]*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cur := s.current.Load()
	for _, id := range sources {
		if _, ok := cur.Handle(id); !ok {
			return nil, fmt.Errorf("store: merge source %d not found", id)
		}
	}
	if merged == nil && len(origins) > 0 {
		return nil, errors.New("store: origins given without a merged segment")
	}
	if merged != nil && merged.Len() != len(origins) {
		return nil, fmt.Errorf("store: merged segment has %d rows for %d origins", merged.Len(), len(origins))
	}

	for i, o := range origins {
		off := uint32(i)
		src, _ := cur.Segment(o.SegmentID)
		id, _ := merged.PointID(off)
		if src.Tombstones().Test(o.Offset) || s.index[id] != (location{segID: o.SegmentID, offset: o.Offset}) {
			merged.Delete(off)
			continue
		}
		s.index[id] = location{segID: merged.ID(), offset: off}
	}

	var h *Handle
	if merged != nil {
		h = newHandle(merged, s.opts.FS, s.log)
	}
	retired := make([]*Handle, 0, len(sources))
	s.publish(s.derive(cur, func(v *viewParts) {
		for _, id := range sources {
			retired = append(retired, v.removeHandle(id))
		}
		if h != nil {
			v.segs = append(v.segs, h)
		}
	}))
	return retired, nil
}

// Close releases the current view. Views still held by readers stay valid
// until they are released.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.publish(nil)
}
