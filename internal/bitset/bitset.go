// Package bitset provides the lock-free tombstone bitset shared by every
// incarnation of a segment.
//
// Bits are only ever set, never cleared: a delete is commutative and
// idempotent, so concurrent deleters need no exclusive lock. The set grows
// on demand in fixed-size segments published through an atomic pointer.
package bitset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	segmentBits     = 16
	segmentSize     = 1 << segmentBits
	segmentMask     = segmentSize - 1
	wordsPerSegment = segmentSize / 64

	fileMagic   = "TOMB"
	fileVersion = 1
)

// ErrInvalidFormat is returned when a serialized bitset cannot be decoded.
var ErrInvalidFormat = errors.New("bitset: invalid format")

type bitSegment [wordsPerSegment]atomic.Uint64

// BitSet is a concurrent, grow-only, set-only bitset.
type BitSet struct {
	segments atomic.Pointer[[]*bitSegment]
	growMu   sync.Mutex
	count    atomic.Int64
	gen      atomic.Uint64
}

// New creates a BitSet with room for size bits. It grows as needed.
func New(size uint32) *BitSet {
	b := &BitSet{}
	empty := make([]*bitSegment, 0)
	b.segments.Store(&empty)
	if size > 0 {
		b.grow(size - 1)
	}
	return b
}

func (b *BitSet) grow(i uint32) []*bitSegment {
	segIdx := int(i >> segmentBits)
	segs := *b.segments.Load()
	if segIdx < len(segs) {
		return segs
	}

	b.growMu.Lock()
	defer b.growMu.Unlock()

	segs = *b.segments.Load()
	if segIdx < len(segs) {
		return segs
	}
	next := make([]*bitSegment, segIdx+1)
	copy(next, segs)
	for j := len(segs); j < len(next); j++ {
		next[j] = new(bitSegment)
	}
	b.segments.Store(&next)
	return next
}

// Set sets bit i and reports whether it was newly set.
func (b *BitSet) Set(i uint32) bool {
	segs := b.grow(i)
	seg := segs[i>>segmentBits]
	off := i & segmentMask
	mask := uint64(1) << (off % 64)

	old := seg[off/64].Or(mask)
	if old&mask != 0 {
		return false
	}
	b.count.Add(1)
	b.gen.Add(1)
	return true
}

// Test reports whether bit i is set.
func (b *BitSet) Test(i uint32) bool {
	segs := *b.segments.Load()
	segIdx := int(i >> segmentBits)
	if segIdx >= len(segs) {
		return false
	}
	off := i & segmentMask
	return segs[segIdx][off/64].Load()&(uint64(1)<<(off%64)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() int { return int(b.count.Load()) }

// Generation returns a counter that advances on every newly set bit. Callers
// compare generations to decide whether a persisted copy is stale.
func (b *BitSet) Generation() uint64 { return b.gen.Load() }

// ForEach calls fn for every set bit in ascending order.
func (b *BitSet) ForEach(fn func(i uint32)) {
	for segIdx, seg := range *b.segments.Load() {
		base := uint32(segIdx) << segmentBits
		for w := range seg {
			word := seg[w].Load()
			for word != 0 {
				tz := bits.TrailingZeros64(word)
				fn(base + uint32(w*64+tz))
				word &= word - 1
			}
		}
	}
}

// Bitmap returns a roaring copy of the set bits.
func (b *BitSet) Bitmap() *roaring.Bitmap {
	rb := roaring.New()
	b.ForEach(func(i uint32) { rb.Add(i) })
	return rb
}

// Merge sets every bit of rb.
func (b *BitSet) Merge(rb *roaring.Bitmap) {
	it := rb.Iterator()
	for it.HasNext() {
		b.Set(it.Next())
	}
}

// WriteTo writes the bitset as a header followed by a portable roaring bitmap.
func (b *BitSet) WriteTo(w io.Writer) (int64, error) {
	header := make([]byte, 8)
	copy(header[0:4], fileMagic)
	binary.LittleEndian.PutUint32(header[4:8], fileVersion)
	n, err := w.Write(header)
	if err != nil {
		return int64(n), err
	}
	rb := b.Bitmap()
	rb.RunOptimize()
	m, err := rb.WriteTo(w)
	return int64(n) + m, err
}

// ReadFrom merges a bitset written by WriteTo into b.
func (b *BitSet) ReadFrom(r io.Reader) (int64, error) {
	header := make([]byte, 8)
	n, err := io.ReadFull(r, header)
	if err != nil {
		return int64(n), fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	if string(header[0:4]) != fileMagic {
		return int64(n), fmt.Errorf("%w: bad magic %q", ErrInvalidFormat, header[0:4])
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != fileVersion {
		return int64(n), fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, v)
	}
	rb := roaring.New()
	m, err := rb.ReadFrom(r)
	if err != nil {
		return int64(n) + m, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	b.Merge(rb)
	return int64(n) + m, nil
}
