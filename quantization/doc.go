// Package quantization provides the vector codecs a collection can persist
// its segments with.
//
// A Codec is chosen once per collection. Segments are encoded when they are
// written to disk and decoded into full-precision vectors when they are
// opened, so search code never depends on the storage precision.
//
//   - KindRaw: float32, lossless (4 bytes/dim)
//   - KindScalar: 8-bit per-dimension min/max quantization (1 byte/dim)
//   - KindProduct: product quantization with k-means codebooks
//   - KindBinary: 1 bit per dimension, threshold at the training mean
package quantization
