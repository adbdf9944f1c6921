// Package lexical scores candidates by token overlap with the query. It is the
// offline stand-in for a cross-encoder.
package lexical

import (
	"context"
	"math"

	"nutrirag/internal/textutil"
)

// Scorer computes the Ochiai coefficient |A∩B| / sqrt(|A||B|) between the
// query and candidate token sets.
type Scorer struct{}

func New() *Scorer { return &Scorer{} }

func (s *Scorer) Name() string { return "lexical" }

func (s *Scorer) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qset := textutil.TokenSet(query)
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = ochiai(qset, textutil.TokenSet(c))
	}
	return out, nil
}

func ochiai(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range b {
		if _, ok := a[t]; ok {
			inter++
		}
	}
	return float64(inter) / math.Sqrt(float64(len(a))*float64(len(b)))
}
