package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hupe1980/vecseg/distance"
)

// Neighbor is a ground truth entry. ID is the index into the dataset.
type Neighbor struct {
	ID       uint64
	Distance float32
}

// RNG is a seeded random source safe for concurrent use.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniform fills dst with random values in range [0, 1).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// FillGaussian fills dst with standard normal values.
func (r *RNG) FillGaussian(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = float32(r.rand.NormFloat64())
	}
}

// UniformVectors generates random vectors with values in range [0, 1).
// Uses a single backing array.
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return r.rand.Float32() })
}

// GaussianVectors generates random vectors from a standard normal distribution.
func (r *RNG) GaussianVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return float32(r.rand.NormFloat64()) })
}

// UnitVectors generates L2-normalized random vectors.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	vecs := r.GaussianVectors(num, dim)
	for _, v := range vecs {
		distance.NormalizeL2InPlace(v)
	}
	return vecs
}

func (r *RNG) vectors(num, dim int, next func() float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := range num {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = next()
		}
		vectors[i] = vec
	}
	return vectors
}

// ExactTopK returns the k nearest dataset entries to query by brute force,
// ordered by (distance, index).
func ExactTopK(query []float32, data [][]float32, k int, dist distance.Func) []Neighbor {
	all := make([]Neighbor, len(data))
	for i, v := range data {
		all[i] = Neighbor{ID: uint64(i), Distance: dist(query, v)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].ID < all[j].ID
	})
	return all[:min(k, len(all))]
}

// Recall returns the fraction of ground truth IDs present in approx.
func Recall(truth []Neighbor, approx []uint64) float64 {
	if len(truth) == 0 {
		if len(approx) == 0 {
			return 1
		}
		return 0
	}
	want := make(map[uint64]struct{}, len(truth))
	for _, n := range truth {
		want[n.ID] = struct{}{}
	}
	hits := 0
	for _, id := range approx {
		if _, ok := want[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}

// Percentile returns the p-th percentile (0..1) of values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(idx, 0)]
}
