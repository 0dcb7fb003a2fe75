package ingest

import (
	"hash/fnv"
	"math/rand/v2"
)

// Rating bounds. The score is a synthetic placeholder signal, not a
// quality judgment.
const (
	RatingMin = 1
	RatingMax = 10
)

// AssignRating derives a deterministic score in [RatingMin, RatingMax]
// from the provider identity. Re-running the assigner for the same
// provider always yields the same value, so a retried batch cannot
// drift to a different rating.
func AssignRating(providerID string) int {
	h := fnv.New64a()
	h.Write([]byte(providerID)) //nolint:errcheck
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed))
	return RatingMin + int(rng.Uint64N(uint64(RatingMax-RatingMin+1)))
}
