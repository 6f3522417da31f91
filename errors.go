package vecseg

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecseg/internal/optimizer"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/store"
	"github.com/hupe1980/vecseg/internal/wal"
)

var (
	// ErrClosed is returned by operations on a closed collection.
	ErrClosed = errors.New("vecseg: collection closed")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("vecseg: invalid argument")
	// ErrNotFound is returned when a point does not exist.
	ErrNotFound = errors.New("vecseg: not found")
	// ErrNothingToFlush is returned by Flush when the memtable is empty.
	ErrNothingToFlush = errors.New("vecseg: nothing to flush")
	// ErrDimensionMismatch is matched by every *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("vecseg: dimension mismatch")
	// ErrSealed is returned when writing to a sealed segment.
	ErrSealed = errors.New("vecseg: segment sealed")
	// ErrOutOfOrder is returned when a write version does not advance.
	ErrOutOfOrder = errors.New("vecseg: version out of order")
	// ErrReadOnly is returned after a WAL failure left the collection unable
	// to accept writes. Reads keep working.
	ErrReadOnly = errors.New("vecseg: collection is read-only")
)

// DimensionMismatchError reports a vector of the wrong length. Writes
// carrying one are rejected before anything is logged or applied.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vecseg: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// SegmentIOError reports a failed segment file operation.
type SegmentIOError struct {
	SegmentID uint64
	Op        string
	Err       error
}

func (e *SegmentIOError) Error() string {
	return fmt.Sprintf("vecseg: segment %d: %s: %v", e.SegmentID, e.Op, e.Err)
}

func (e *SegmentIOError) Unwrap() error { return e.Err }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *segment.DimensionMismatchError
	if errors.As(err, &dm) {
		return &DimensionMismatchError{Expected: dm.Expected, Actual: dm.Actual}
	}
	var sio *segment.IOError
	if errors.As(err, &sio) {
		return &SegmentIOError{SegmentID: sio.SegmentID, Op: sio.Op, Err: sio.Err}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrClosed),
		errors.Is(err, wal.ErrClosed),
		errors.Is(err, optimizer.ErrClosed),
		errors.Is(err, segment.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, store.ErrOutOfOrder), errors.Is(err, wal.ErrOutOfOrder):
		return fmt.Errorf("%w: %w", ErrOutOfOrder, err)
	case errors.Is(err, segment.ErrSealed):
		return fmt.Errorf("%w: %w", ErrSealed, err)
	}
	return err
}
