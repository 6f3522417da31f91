package kmeans

import (
	"math"
	"math/rand"

	"github.com/hupe1980/vecseg/distance"
)

// Train clusters vectors of length dim into k centroids with k-means++
// seeding followed by at most maxIter Lloyd iterations. It returns the
// flattened centroids (k * dim). With no more than k vectors every vector
// becomes a centroid, repeated cyclically.
func Train(rng *rand.Rand, vectors [][]float32, k, dim, maxIter int) []float32 {
	centroids := make([]float32, k*dim)
	centroid := func(c int) []float32 { return centroids[c*dim : (c+1)*dim] }

	if len(vectors) <= k {
		for c := range k {
			copy(centroid(c), vectors[c%len(vectors)])
		}
		return centroids
	}

	seed(rng, vectors, centroids, k, dim)

	assign := make([]int, len(vectors))
	for i := range assign {
		assign[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)
	for range maxIter {
		changed := false
		for i, v := range vectors {
			if c := Nearest(centroids, v, dim); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		clear(counts)
		clear(sums)
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for j, x := range v {
				sums[c*dim+j] += x
			}
		}
		for c := range k {
			if counts[c] == 0 {
				// Re-seed an empty cluster from a random vector.
				copy(centroid(c), vectors[rng.Intn(len(vectors))])
				continue
			}
			scale := 1 / float32(counts[c])
			for j := range dim {
				centroids[c*dim+j] = sums[c*dim+j] * scale
			}
		}
	}
	return centroids
}

// seed picks k initial centroids with probability proportional to the
// squared distance from the centroids chosen so far.
func seed(rng *rand.Rand, vectors [][]float32, centroids []float32, k, dim int) {
	centroid := func(c int) []float32 { return centroids[c*dim : (c+1)*dim] }

	copy(centroid(0), vectors[rng.Intn(len(vectors))])
	minDist := make([]float32, len(vectors))
	var sum float32
	for i, v := range vectors {
		minDist[i] = distance.SquaredL2(v, centroid(0))
		sum += minDist[i]
	}
	for c := 1; c < k; c++ {
		chosen := rng.Intn(len(vectors))
		if sum > 0 {
			target := rng.Float32() * sum
			var acc float32
			for i, d := range minDist {
				acc += d
				if acc >= target {
					chosen = i
					break
				}
			}
		}
		copy(centroid(c), vectors[chosen])
		sum = 0
		for i, v := range vectors {
			minDist[i] = min(minDist[i], distance.SquaredL2(v, centroid(c)))
			sum += minDist[i]
		}
	}
}

// Nearest returns the index of the centroid closest to v, preferring the
// lower index on ties.
func Nearest(centroids []float32, v []float32, dim int) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c := 0; c*dim < len(centroids); c++ {
		if d := distance.SquaredL2(v, centroids[c*dim:(c+1)*dim]); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
