// Package local provides an offline embedder. Token counts are folded into a
// fixed number of buckets with feature hashing, so no corpus preparation is
// needed and vectors stay comparable across process restarts.
package local

import (
	"context"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"

	"nutrirag/internal/textutil"
)

// DefaultDimension matches the dimension requested from the remote service.
const DefaultDimension = 1024

// Embedder implements domain.Embedder with hashed, sublinear term frequencies.
type Embedder struct {
	dimension int
}

// NewEmbedder creates a hashing embedder with the given dimension.
func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{dimension: dimension}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "local" }

// Dimension returns the dimensionality of the produced vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed returns one L2-normalized vector per text.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("local embedder: no input texts")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *Embedder) embedOne(text string) []float32 {
	tf := make(map[int]int)
	for _, tok := range textutil.Tokens(text) {
		tf[int(xxhash.Sum64String(tok)%uint64(e.dimension))]++
	}
	vec := make([]float64, e.dimension)
	for idx, count := range tf {
		vec[idx] = 1 + math.Log(float64(count))
	}
	// L2 normalize
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, e.dimension)
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
