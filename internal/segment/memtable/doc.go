// Package memtable implements the mutable segment that receives every write.
//
// # Concurrency
//
// A single writer appends rows while any number of readers search. Rows are
// stored in fixed-size pages that are never moved, and the row count is
// published with an atomic store only after the row is fully written, so a
// reader never observes a partially written vector.
//
// # Lifecycle
//
// The store seals a memtable once it reaches a flush threshold. A sealed
// memtable rejects appends but stays searchable until the optimizer has
// flushed it to an immutable segment that shares its tombstones.
package memtable
