package store

import (
	"github.com/hupe1980/vecseg/internal/bitset"
	"github.com/hupe1980/vecseg/internal/segment"
)

type mergeSource struct {
	dim     int
	rows    []segment.Row
	origins []Origin
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
