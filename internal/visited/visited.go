// Package visited tracks the offsets touched by one graph traversal.
package visited

import "github.com/bits-and-blooms/bitset"

// Set is a visited set with a dirty list so that Reset is proportional to the
// number of visited offsets rather than the capacity.
type Set struct {
	bits  *bitset.BitSet
	dirty []uint32
}

// New creates a visited set sized for capacity offsets.
func New(capacity int) *Set {
	return &Set{
		bits:  bitset.New(uint(capacity)),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks offset as visited and reports whether it was newly marked.
func (s *Set) Visit(offset uint32) bool {
	i := uint(offset)
	if s.bits.Test(i) {
		return false
	}
	s.bits.Set(i)
	s.dirty = append(s.dirty, offset)
	return true
}

// Visited reports whether offset was visited.
func (s *Set) Visited(offset uint32) bool {
	return s.bits.Test(uint(offset))
}

// Len returns the number of visited offsets.
func (s *Set) Len() int { return len(s.dirty) }

// Reset clears all visited offsets.
func (s *Set) Reset() {
	if len(s.dirty) > int(s.bits.Len()/64) {
		s.bits.ClearAll()
	} else {
		for _, off := range s.dirty {
			s.bits.Clear(uint(off))
		}
	}
	s.dirty = s.dirty[:0]
}
