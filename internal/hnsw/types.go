package hnsw

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecseg/internal/queue"
)

var (
	// ErrDimensionMismatch is matched by every *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("hnsw: dimension mismatch")
	// ErrReadOnly is returned when inserting into a loaded graph.
	ErrReadOnly = errors.New("hnsw: graph is read-only")
	// ErrExists is returned when an offset is inserted twice.
	ErrExists = errors.New("hnsw: offset already present")
	// ErrInvalidFormat is returned for graph files that fail validation.
	ErrInvalidFormat = errors.New("hnsw: invalid graph format")
)

// DimensionMismatchError reports a vector with the wrong length.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// Candidate is a search hit local to the graph's segment.
type Candidate = queue.Item

// VectorSource resolves an offset to its vector. The graph never copies
// vectors.
type VectorSource interface {
	Vector(offset uint32) []float32
}

// VectorSlice adapts a slice of vectors indexed by offset.
type VectorSlice [][]float32

func (s VectorSlice) Vector(offset uint32) []float32 {
	if int(offset) >= len(s) {
		return nil
	}
	return s[offset]
}

// Tombstones reports deleted offsets.
type Tombstones interface {
	Test(offset uint32) bool
}

// Filter reports whether an offset may appear in results.
type Filter func(offset uint32) bool
