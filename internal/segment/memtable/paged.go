package memtable

import (
	"sync/atomic"
)

const (
	pageBits = 12
	pageSize = 1 << pageBits
	pageMask = pageSize - 1
)

// page holds pageSize rows. Row data is written once before the row count
// covering it is published.
type page struct {
	vectors  []float32
	ids      [pageSize]uint64
	versions [pageSize]uint64
	payloads [pageSize]uint64
}

// rows is append-only paged row storage with a single writer.
type rows struct {
	dim   int
	pages atomic.Pointer[[]*page]
	count atomic.Uint32
}

func newRows(dim int) *rows {
	r := &rows{dim: dim}
	p := make([]*page, 0, 4)
	r.pages.Store(&p)
	return r
}

// len returns the number of published rows.
func (r *rows) len() uint32 { return r.count.Load() }

// append writes one row and publishes it. Only the writer calls append.
func (r *rows) append(id uint64, vec []float32, payload, version uint64) uint32 {
	off := r.count.Load()
	pageIdx := int(off >> pageBits)
	slot := int(off & pageMask)

	pages := *r.pages.Load()
	if pageIdx >= len(pages) {
		next := make([]*page, len(pages), max(2*len(pages), 4))
		copy(next, pages)
		next = append(next, &page{vectors: make([]float32, pageSize*r.dim)})
		r.pages.Store(&next)
		pages = next
	}

	p := pages[pageIdx]
	copy(p.vectors[slot*r.dim:(slot+1)*r.dim], vec)
	p.ids[slot] = id
	p.versions[slot] = version
	p.payloads[slot] = payload

	r.count.Store(off + 1)
	return off
}

// locate returns the page and slot of a published offset.
func (r *rows) locate(off uint32) (*page, int, bool) {
	if off >= r.count.Load() {
		return nil, 0, false
	}
	pages := *r.pages.Load()
	return pages[off>>pageBits], int(off & pageMask), true
}

// Vector implements hnsw.VectorSource.
func (r *rows) Vector(off uint32) []float32 {
	p, slot, ok := r.locate(off)
	if !ok {
		return nil
	}
	return p.vectors[slot*r.dim : (slot+1)*r.dim : (slot+1)*r.dim]
}
