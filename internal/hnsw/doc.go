// Package hnsw implements Hierarchical Navigable Small World graphs over the
// dense offsets of one segment.
//
// Adjacency is stored as offset arrays, never as object references, so a
// graph can be written to a fixed-stride file and searched straight from a
// memory mapping.
//
// # Parameters
//
//   - M: Max connections per node above layer 0 (default: 16). Layer 0 allows 2*M.
//   - EFConstruction: Beam width while inserting (default: 200).
//   - ef: Beam width at query time, at least topK.
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
