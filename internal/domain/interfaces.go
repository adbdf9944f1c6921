package domain

import "context"

// Embedder converts texts into vectors, one per input, in input order.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reranker scores (query, candidate) pairs. Scores are returned in candidate
// order and are not necessarily normalized.
type Reranker interface {
	Name() string
	Score(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Searcher performs coarse vector retrieval.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int) ([]RetrievalResult, error)
}

// VectorStore is a Searcher that can also be appended to and persisted.
type VectorStore interface {
	Searcher
	Load(ctx context.Context) error
	Save(ctx context.Context) error
	Add(ctx context.Context, vectors [][]float32, texts []string, metadata []Metadata) error
	Len() int
}

// Chunker splits cleaned text into overlapping segments.
type Chunker interface {
	Chunk(text string) ([]string, error)
}
