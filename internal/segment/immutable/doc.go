// Package immutable implements flushed segments.
//
// A segment directory holds:
//
//	vectors.bin     codec state and one fixed-size code per offset
//	id_tracker.bin  point id, version and payload handle per offset
//	deleted.bin     tombstones
//	graph.hnsw      HNSW graph, present once the segment is indexed
//
// Vectors are decoded into a dense arena on open, so scans and the graph
// use the same distance function regardless of the storage codec. The
// graph file is memory-mapped and read in place. Only the tombstones of an
// open segment ever change.
package immutable
