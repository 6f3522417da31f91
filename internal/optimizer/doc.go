// Package optimizer runs the background work of a collection: flushing
// sealed memtables into plain segments, building HNSW indexes for plain
// segments, and merging small indexed segments.
//
// Every state change is published to the segment store first and then
// committed to the manifest. A commit persists the tombstones of every
// listed segment before the manifest is replaced, so the manifest never
// references a segment whose deletions below the flushed version are
// missing on disk.
package optimizer
