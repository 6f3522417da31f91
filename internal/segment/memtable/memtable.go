package memtable

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/bitset"
	"github.com/hupe1980/vecseg/internal/hnsw"
	"github.com/hupe1980/vecseg/internal/segment"
)

// rowOverhead is the per-row size of ids, versions and payloads.
const rowOverhead = 3 * 8

// MemTable is the mutable segment.
type MemTable struct {
	id      uint64
	dim     int
	dist    distance.Func
	created time.Time

	rows *rows
	tomb *bitset.BitSet

	mu  sync.RWMutex
	ids map[uint64]uint32

	sealed atomic.Bool
}

var _ segment.Segment = (*MemTable)(nil)

// New creates an empty memtable with its own tombstone bitset.
func New(id uint64, dim int, dist distance.Func) *MemTable {
	return &MemTable{
		id:      id,
		dim:     dim,
		dist:    dist,
		created: time.Now(),
		rows:    newRows(dim),
		tomb:    bitset.New(0),
		ids:     make(map[uint64]uint32),
	}
}

func (m *MemTable) ID() uint64           { return m.id }
func (m *MemTable) Kind() segment.Kind   { return segment.Mutable }
func (m *MemTable) Dimension() int       { return m.dim }
func (m *MemTable) CreatedAt() time.Time { return m.created }

// Len returns the number of appended offsets.
func (m *MemTable) Len() int { return int(m.rows.len()) }

// Live returns the number of offsets that are not tombstoned.
func (m *MemTable) Live() int { return m.Len() - m.tomb.Count() }

// Tombstones returns the bitset shared with the memtable's flushed
// incarnations.
func (m *MemTable) Tombstones() *bitset.BitSet { return m.tomb }

// SizeBytes estimates the memory held by appended rows.
func (m *MemTable) SizeBytes() int64 {
	return int64(m.Len()) * int64(m.dim*4+rowOverhead)
}

// Append stores a row and returns its offset. It is called by the single
// writer only.
func (m *MemTable) Append(id uint64, vec []float32, payload, version uint64) (uint32, error) {
	if m.sealed.Load() {
		return 0, segment.ErrSealed
	}
	if len(vec) != m.dim {
		return 0, &segment.DimensionMismatchError{Expected: m.dim, Actual: len(vec)}
	}
	off := m.rows.append(id, vec, payload, version)

	m.mu.Lock()
	m.ids[id] = off
	m.mu.Unlock()
	return off, nil
}

// Delete tombstones offset and reports whether it was live.
func (m *MemTable) Delete(offset uint32) bool {
	if offset >= m.rows.len() {
		return false
	}
	return m.tomb.Set(offset)
}

// Seal makes the memtable read-only. Subsequent appends fail with
// segment.ErrSealed.
func (m *MemTable) Seal() { m.sealed.Store(true) }

// Sealed reports whether Seal was called.
func (m *MemTable) Sealed() bool { return m.sealed.Load() }

// Vector returns the vector stored at offset, or nil if offset is not yet
// published.
func (m *MemTable) Vector(offset uint32) []float32 { return m.rows.Vector(offset) }

func (m *MemTable) PointID(offset uint32) (uint64, bool) {
	p, slot, ok := m.rows.locate(offset)
	if !ok {
		return 0, false
	}
	return p.ids[slot], true
}

func (m *MemTable) Version(offset uint32) uint64 {
	p, slot, ok := m.rows.locate(offset)
	if !ok {
		return 0
	}
	return p.versions[slot]
}

func (m *MemTable) Payload(offset uint32) uint64 {
	p, slot, ok := m.rows.locate(offset)
	if !ok {
		return 0
	}
	return p.payloads[slot]
}

// Lookup returns the newest offset appended for id.
func (m *MemTable) Lookup(id uint64) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.ids[id]
	return off, ok
}

// Iterate visits the rows published when it was called.
func (m *MemTable) Iterate(fn func(segment.Row) bool) {
	n := m.rows.len()
	for off := range n {
		p, slot, _ := m.rows.locate(off)
		row := segment.Row{
			Offset:  off,
			PointID: p.ids[slot],
			Version: p.versions[slot],
			Payload: p.payloads[slot],
			Vector:  p.vectors[slot*m.dim : (slot+1)*m.dim : (slot+1)*m.dim],
		}
		if !fn(row) {
			return
		}
	}
}

// Search scans every published row. Tombstones and filter exclude offsets
// from the results only.
func (m *MemTable) Search(ctx context.Context, query []float32, k, _ int, filter segment.Filter) ([]segment.Result, error) {
	if len(query) != m.dim {
		return nil, &segment.DimensionMismatchError{Expected: m.dim, Actual: len(query)}
	}
	if segment.Expired(ctx) {
		return nil, nil
	}
	n := int(m.rows.len())
	return hnsw.BruteSearch(query, m.rows, n, k, m.dist, hnsw.Filter(segment.Accept(m.tomb, filter))), nil
}

// Close is a no-op; memtable memory is released by the garbage collector.
func (m *MemTable) Close() error { return nil }
