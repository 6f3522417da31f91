// Package mmap provides read-only memory-mapped file access for zero-copy
// loading of segment files.
//
//	m, err := mmap.Open("graph.hnsw")
//	if err != nil { ... }
//	defer m.Close()
//	data := m.Bytes()
//
// Unix platforms use mmap(2) with madvise(2) hints. Other platforms fall back
// to reading the file into memory behind the same API.
package mmap
