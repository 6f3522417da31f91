// Package segment defines what the store, optimizer and search coordinator
// need from a segment, regardless of whether it is the mutable memtable or
// an immutable segment on disk.
package segment

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vecseg/internal/bitset"
	"github.com/hupe1980/vecseg/internal/queue"
)

// Kind is the lifecycle stage of a segment.
type Kind uint8

const (
	Mutable Kind = iota
	PlainImmutable
	IndexedImmutable
)

func (k Kind) String() string {
	switch k {
	case Mutable:
		return "mutable"
	case PlainImmutable:
		return "plain"
	case IndexedImmutable:
		return "indexed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrSealed is returned when appending to a sealed memtable.
	ErrSealed = errors.New("segment: sealed")
	// ErrDimensionMismatch is matched by every *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("segment: dimension mismatch")
	// ErrClosed is returned by a segment whose resources were released.
	ErrClosed = errors.New("segment: closed")
)

// DimensionMismatchError reports a vector with the wrong length.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("segment: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// IOError wraps a failure to persist or load a segment. The optimizer
// retries the operation; the segment keeps its previous state.
type IOError struct {
	SegmentID uint64
	Op        string
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("segment %d: %s: %v", e.SegmentID, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Filter reports whether an offset may appear in results. It never prunes
// traversal.
type Filter func(offset uint32) bool

// Result is a hit local to one segment.
type Result = queue.Item

// Row is one stored offset.
type Row struct {
	Offset  uint32
	PointID uint64
	Version uint64
	Payload uint64
	// Vector aliases segment storage and must not be modified.
	Vector []float32
}

// Source is a readable set of rows, dense over [0, Len()). Memtables and
// immutable segments are both sources, which lets them be persisted and
// merged the same way.
type Source interface {
	Dimension() int
	Len() int
	// Iterate calls fn for every offset in ascending order, including
	// tombstoned ones, until fn returns false.
	Iterate(fn func(Row) bool)
	Tombstones() *bitset.BitSet
}

// Segment is the read interface shared by every kind.
type Segment interface {
	Source

	ID() uint64
	Kind() Kind
	// Live is Len minus the tombstoned offsets.
	Live() int
	// Search returns up to k nearest offsets ordered by (distance, offset),
	// skipping tombstones and offsets rejected by filter. ef is ignored by
	// scanning segments.
	Search(ctx context.Context, query []float32, k, ef int, filter Filter) ([]Result, error)
	// Vector returns the stored vector of offset or nil.
	Vector(offset uint32) []float32
	PointID(offset uint32) (uint64, bool)
	Version(offset uint32) uint64
	Payload(offset uint32) uint64
	// Lookup returns the newest offset holding id, tombstoned or not.
	Lookup(id uint64) (uint32, bool)
	// Delete tombstones offset and reports whether it was live.
	Delete(offset uint32) bool
	SizeBytes() int64
	Close() error
}

// IsLive reports whether offset is stored in s and not tombstoned.
func IsLive(s Segment, offset uint32) bool {
	return int(offset) < s.Len() && !s.Tombstones().Test(offset)
}

// Accept combines tombstones with a caller filter into one predicate.
func Accept(tomb *bitset.BitSet, filter Filter) Filter {
	if filter == nil {
		return func(off uint32) bool { return !tomb.Test(off) }
	}
	return func(off uint32) bool { return !tomb.Test(off) && filter(off) }
}

// Expired reports whether ctx is done. Segment searches return no hits,
// not an error, once their context expired.
func Expired(ctx context.Context) bool {
	return ctx != nil && ctx.Err() != nil
}
