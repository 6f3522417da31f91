package vecseg

import (
	"github.com/hupe1980/vecseg/internal/segment"
)

// SegmentInfo describes one segment of a collection.
type SegmentInfo struct {
	ID uint64
	// Kind is "mutable", "plain" or "indexed".
	Kind      string
	Points    int
	Live      int
	SizeBytes int64
}

// Stats is a point-in-time summary of a collection.
type Stats struct {
	MutableSegments int
	PlainSegments   int
	IndexedSegments int

	// Points counts live points. Tombstones counts deleted rows not yet
	// reclaimed by a merge.
	Points     int
	Tombstones int

	Version        uint64
	FlushedVersion uint64
	DurableVersion uint64
	WALFiles       int

	Segments []SegmentInfo
}

// Stats reports the current segment set and versions.
func (c *Collection) Stats() (Stats, error) {
	if c.closed.Load() {
		return Stats{}, ErrClosed
	}
	view, err := c.store.Acquire()
	if err != nil {
		return Stats{}, translateError(err)
	}
	defer view.DecRef()

	st := Stats{
		Version:        c.store.Version(),
		FlushedVersion: c.opt.Manifest().FlushedVersion,
		DurableVersion: c.wal.DurableVersion(),
		WALFiles:       len(c.wal.Files()),
	}
	for _, seg := range view.All() {
		switch seg.Kind() {
		case segment.Mutable:
			st.MutableSegments++
		case segment.PlainImmutable:
			st.PlainSegments++
		case segment.IndexedImmutable:
			st.IndexedSegments++
		}
		live := seg.Live()
		st.Points += live
		st.Tombstones += seg.Len() - live
		st.Segments = append(st.Segments, SegmentInfo{
			ID:        seg.ID(),
			Kind:      seg.Kind().String(),
			Points:    seg.Len(),
			Live:      live,
			SizeBytes: seg.SizeBytes(),
		})
	}
	return st, nil
}
