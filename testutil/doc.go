// Package testutil provides deterministic data and ground truth helpers for
// tests.
//
//	rng := testutil.NewRNG(seed)
//	data := rng.GaussianVectors(10_000, 128)
//	truth := testutil.ExactTopK(query, data, 10, distance.SquaredL2)
//	recall := testutil.Recall(truth, approx)
package testutil
