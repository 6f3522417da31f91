// Package kmeans clusters flat vectors for codebook training.
//
// Product quantization trains one codebook per subspace with Train and
// encodes subvectors with Nearest.
package kmeans
