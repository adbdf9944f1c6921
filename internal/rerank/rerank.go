// Package rerank orders coarse retrieval results with a pairwise relevance
// scorer.
package rerank

import (
	"context"
	"sort"

	"nutrirag/internal/domain"
)

// Rerank scores every result against query, drops results scoring below
// threshold when one is given, sorts descending by score and keeps the first
// topK. Equal scores keep their coarse order. The input slice is not modified.
func Rerank(ctx context.Context, scorer domain.Reranker, query string, results []domain.RetrievalResult, topK int, threshold *float64) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		return nil, domain.NewConfigError("top_k", "must be positive, got %d", topK)
	}
	if len(results) == 0 {
		return []domain.RetrievalResult{}, nil
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}
	scores, err := scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(results) {
		return nil, &domain.ServiceError{
			Service: scorer.Name(),
			Op:      "score",
			Err:     &domain.LengthMismatchError{What: "scores vs candidates", Left: len(scores), Right: len(results)},
		}
	}

	out := make([]domain.RetrievalResult, 0, len(results))
	for i, r := range results {
		s := scores[i]
		if threshold != nil && s < *threshold {
			continue
		}
		r.RerankScore = &s
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].RerankScore > *out[j].RerankScore })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
