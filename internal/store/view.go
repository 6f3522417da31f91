package store

import (
	"log/slog"
	"sync/atomic"

	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
	"github.com/hupe1980/vecseg/internal/segment/memtable"
)

// Handle is a reference-counted immutable segment. Every view holding the
// handle owns one reference. The last DecRef closes the segment. The
// directory is removed once the handle is both released and obsolete, in
// whichever order that happens.
type Handle struct {
	seg      *immutable.Segment
	refs     atomic.Int64
	released atomic.Bool
	obsolete atomic.Bool
	removed  atomic.Bool
	fsys     fs.FileSystem
	log      *slog.Logger
}

func newHandle(seg *immutable.Segment, fsys fs.FileSystem, log *slog.Logger) *Handle {
	h := &Handle{seg: seg, fsys: fsys, log: log}
	h.refs.Store(1)
	return h
}

// Segment returns the wrapped segment. It stays valid while the caller
// holds a reference.
func (h *Handle) Segment() *immutable.Segment { return h.seg }

func (h *Handle) IncRef() { h.refs.Add(1) }

// DecRef releases one reference.
func (h *Handle) DecRef() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if err := h.seg.Close(); err != nil {
		h.log.Warn("store: close segment", "segment_id", h.seg.ID(), "error", err)
	}
	h.released.Store(true)
	h.maybeRemove()
}

// MarkObsolete allows removal of the segment directory. Callers mark a
// handle only after no committed manifest lists the segment.
func (h *Handle) MarkObsolete() {
	h.obsolete.Store(true)
	h.maybeRemove()
}

func (h *Handle) maybeRemove() {
	if !h.released.Load() || !h.obsolete.Load() || !h.removed.CompareAndSwap(false, true) {
		return
	}
	if err := h.fsys.RemoveAll(h.seg.Dir()); err != nil {
		h.log.Warn("store: remove obsolete segment", "segment_id", h.seg.ID(), "error", err)
		return
	}
	h.log.Debug("store: removed obsolete segment", "segment_id", h.seg.ID())
}

// Sealed is a memtable that no longer accepts writes and waits for flush.
type Sealed struct {
	*memtable.MemTable
	// SealVersion is the last version applied before the seal.
	SealVersion uint64
}

// View is an immutable snapshot of the segment set. Readers obtain one
// with Store.Acquire and release it with DecRef.
type View struct {
	refs atomic.Int64

	// Active receives writes. Its rows keep growing while the view is held;
	// rows appear atomically.
	Active *memtable.MemTable
	// Sealed holds memtables awaiting flush, oldest first.
	Sealed []Sealed
	// Segments holds immutable segments sorted by ID.
	Segments []*Handle
	// Version is the last applied version when the view was published.
	Version uint64

	byID map[uint64]segment.Segment
}

func newView(active *memtable.MemTable, sealed []Sealed, segs []*Handle, version uint64) *View {
	v := &View{
		Active:   active,
		Sealed:   sealed,
		Segments: segs,
		Version:  version,
		byID:     make(map[uint64]segment.Segment, 1+len(sealed)+len(segs)),
	}
	v.refs.Store(1)
	v.byID[active.ID()] = active
	for _, s := range sealed {
		v.byID[s.ID()] = s.MemTable
	}
	for _, h := range segs {
		v.byID[h.seg.ID()] = h.seg
	}
	return v
}

func (v *View) IncRef() { v.refs.Add(1) }

// TryIncRef increments the reference count unless the view was already
// released.
func (v *View) TryIncRef() bool {
	for {
		refs := v.refs.Load()
		if refs <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef releases one reference. The last one releases the view's
// segment handles.
func (v *View) DecRef() {
	if v.refs.Add(-1) == 0 {
		for _, h := range v.Segments {
			h.DecRef()
		}
	}
}

// Segment returns the segment with id, of any kind.
func (v *View) Segment(id uint64) (segment.Segment, bool) {
	s, ok := v.byID[id]
	return s, ok
}

// All returns every segment: active, then sealed, then immutable.
func (v *View) All() []segment.Segment {
	all := make([]segment.Segment, 0, 1+len(v.Sealed)+len(v.Segments))
	all = append(all, v.Active)
	for _, s := range v.Sealed {
		all = append(all, s.MemTable)
	}
	for _, h := range v.Segments {
		all = append(all, h.seg)
	}
	return all
}

// Handle returns the handle of immutable segment id.
func (v *View) Handle(id uint64) (*Handle, bool) {
	for _, h := range v.Segments {
		if h.seg.ID() == id {
			return h, true
		}
	}
	return nil, false
}

// Get finds the live copy of a point.
func (v *View) Get(id uint64) (segment.Segment, uint32, bool) {
	for _, s := range v.All() {
		if off, ok := s.Lookup(id); ok && segment.IsLive(s, off) {
			return s, off, true
		}
	}
	return nil, 0, false
}
