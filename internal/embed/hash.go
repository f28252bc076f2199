package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEngine produces deterministic feature-hashed vectors without calling an
// external API. It is only suitable for development and tests; Validate in the
// config package rejects it outside dev environments.
type HashEngine struct {
	dimension int
}

// NewHashEngine creates a hash-based embedding engine.
func NewHashEngine(dimension int) *HashEngine {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEngine{dimension: dimension}
}

// Embed maps each text onto a normalized bag-of-tokens vector. Identical texts
// always produce identical vectors, and texts sharing tokens score closer than
// unrelated ones.
func (e *HashEngine) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = e.vector(text)
	}
	return vectors, nil
}

func (e *HashEngine) vector(text string) []float32 {
	vec := make([]float32, e.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Model returns the pseudo-model identifier.
func (e *HashEngine) Model() string { return "hash" }

// Dimension returns the vector dimension.
func (e *HashEngine) Dimension() int { return e.dimension }

var _ Embedder = (*HashEngine)(nil)
