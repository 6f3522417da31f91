// Package distance provides the distance capability shared by memtable scans
// and HNSW search.
//
// Every Func returns a value where smaller means more similar:
//
//   - MetricL2: squared Euclidean distance
//   - MetricCosine: 1 - cosine similarity (vectors are normalized on write)
//   - MetricDot: negative inner product
//
// Usage:
//
//	fn, _ := distance.Provider(distance.MetricL2)
//	d := fn(a, b)
package distance
