// Package service wires the pipeline stages together: ingestion builds the
// index, the engine answers questions from it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nutrirag/internal/domain"
	"nutrirag/internal/generation"
	"nutrirag/internal/rerank"
)

// TracerName names the tracer used for pipeline spans.
const TracerName = "nutrirag/internal/service"

// DegradedPrefix starts the answer returned when generation fails.
const DegradedPrefix = "抱歉，生成回答时出错: "

// Engine answers a question by embedding it, searching the index, reranking
// the candidates and generating from the best ones. It holds references only;
// the index is owned by the caller.
type Engine struct {
	embedder  domain.Embedder
	searcher  domain.Searcher
	reranker  domain.Reranker
	generator domain.Generator
	threshold *float64
	logger    *slog.Logger
	tracer    trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithReranker sets the second-stage scorer. Without one the coarse order is kept.
func WithReranker(r domain.Reranker) EngineOption { return func(e *Engine) { e.reranker = r } }

// WithThreshold drops reranked candidates scoring below t.
func WithThreshold(t float64) EngineOption { return func(e *Engine) { e.threshold = &t } }

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(embedder domain.Embedder, searcher domain.Searcher, generator domain.Generator, opts ...EngineOption) *Engine {
	e := &Engine{
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		logger:    slog.Default(),
		tracer:    tracer(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Retrieve returns the topK sources for question: rerankTopN coarse
// candidates reranked and truncated. topK larger than rerankTopN is a
// ConfigError.
func (e *Engine) Retrieve(ctx context.Context, question string, topK, rerankTopN int) ([]domain.RetrievalResult, error) {
	if err := validateQuery(question, topK, rerankTopN); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "engine.retrieve", trace.WithAttributes(
		attribute.Int("rag.top_k", topK),
		attribute.Int("rag.rerank_top_n", rerankTopN),
	))
	defer span.End()

	vec, err := e.embed(ctx, question)
	if err != nil {
		return nil, fail(span, err)
	}

	_, searchSpan := e.tracer.Start(ctx, "engine.search")
	candidates, err := e.searcher.Search(ctx, vec, rerankTopN)
	searchSpan.SetAttributes(attribute.Int("rag.candidates", len(candidates)))
	searchSpan.End()
	if err != nil {
		return nil, fail(span, err)
	}

	if e.reranker == nil {
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		return candidates, nil
	}

	rctx, rerankSpan := e.tracer.Start(ctx, "engine.rerank", trace.WithAttributes(attribute.String("rag.reranker", e.reranker.Name())))
	kept, err := rerank.Rerank(rctx, e.reranker, question, candidates, topK, e.threshold)
	rerankSpan.End()
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("rag.sources", len(kept)))
	return kept, nil
}

// Query retrieves sources and generates an answer from them. A failed
// generation call yields a degraded answer rather than an error; failures
// before generation are returned.
func (e *Engine) Query(ctx context.Context, question string, topK, rerankTopN int) (domain.Answer, error) {
	ctx, span := e.tracer.Start(ctx, "engine.query")
	defer span.End()

	sources, err := e.Retrieve(ctx, question, topK, rerankTopN)
	if err != nil {
		return domain.Answer{}, fail(span, err)
	}
	return e.answer(ctx, question, sources)
}

// RetrieveMulti searches once for question and once per variant, merges the
// hits by chunk id and reranks the union against question. A chunk found by
// several queries keeps its best cosine similarity, so CoarseSimilarity stays
// a real score rather than a placeholder. Without a reranker the union is
// ordered by that similarity, first-found first on ties.
func (e *Engine) RetrieveMulti(ctx context.Context, question string, variants []string, topK, rerankTopN int) ([]domain.RetrievalResult, error) {
	if err := validateQuery(question, topK, rerankTopN); err != nil {
		return nil, err
	}
	queries := distinctQueries(question, variants)

	ctx, span := e.tracer.Start(ctx, "engine.retrieve_multi", trace.WithAttributes(
		attribute.Int("rag.top_k", topK),
		attribute.Int("rag.rerank_top_n", rerankTopN),
		attribute.Int("rag.queries", len(queries)),
	))
	defer span.End()

	vecs, err := e.embedAll(ctx, queries)
	if err != nil {
		return nil, fail(span, err)
	}

	sctx, searchSpan := e.tracer.Start(ctx, "engine.search")
	var candidates []domain.RetrievalResult
	pos := make(map[int]int)
	for _, vec := range vecs {
		hits, err := e.searcher.Search(sctx, vec, rerankTopN)
		if err != nil {
			searchSpan.End()
			return nil, fail(span, err)
		}
		for _, h := range hits {
			if i, ok := pos[h.Chunk.ID]; ok {
				candidates[i].CoarseSimilarity = max(candidates[i].CoarseSimilarity, h.CoarseSimilarity)
				continue
			}
			pos[h.Chunk.ID] = len(candidates)
			candidates = append(candidates, h)
		}
	}
	searchSpan.SetAttributes(attribute.Int("rag.candidates", len(candidates)))
	searchSpan.End()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CoarseSimilarity > candidates[j].CoarseSimilarity
	})
	if e.reranker == nil {
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		return candidates, nil
	}

	rctx, rerankSpan := e.tracer.Start(ctx, "engine.rerank", trace.WithAttributes(attribute.String("rag.reranker", e.reranker.Name())))
	kept, err := rerank.Rerank(rctx, e.reranker, question, candidates, topK, e.threshold)
	rerankSpan.End()
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("rag.sources", len(kept)))
	return kept, nil
}

// QueryMulti is Query over RetrieveMulti. The answer is generated for
// question; variants only widen retrieval.
func (e *Engine) QueryMulti(ctx context.Context, question string, variants []string, topK, rerankTopN int) (domain.Answer, error) {
	ctx, span := e.tracer.Start(ctx, "engine.query_multi")
	defer span.End()

	sources, err := e.RetrieveMulti(ctx, question, variants, topK, rerankTopN)
	if err != nil {
		return domain.Answer{}, fail(span, err)
	}
	return e.answer(ctx, question, sources)
}

func (e *Engine) answer(ctx context.Context, question string, sources []domain.RetrievalResult) (domain.Answer, error) {
	texts := make([]string, len(sources))
	for i, s := range sources {
		texts[i] = s.Chunk.Text
	}
	prompt := generation.BuildPrompt(strings.Join(texts, "\n\n"), question)

	gctx, genSpan := e.tracer.Start(ctx, "engine.generate", trace.WithAttributes(attribute.String("rag.generator", e.generator.Name())))
	text, err := e.generator.Generate(gctx, prompt)
	if err != nil {
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, err.Error())
		genSpan.End()
		if errors.Is(err, context.Canceled) {
			return domain.Answer{}, err
		}
		e.logger.Warn("generation failed, returning degraded answer", "generator", e.generator.Name(), "err", err)
		return domain.Answer{Text: DegradedPrefix + err.Error(), Sources: sources, Degraded: true}, nil
	}
	genSpan.End()

	e.logger.Debug("question answered", "sources", len(sources), "answer_len", len([]rune(text)))
	return domain.Answer{Text: text, Sources: sources}, nil
}

func (e *Engine) embed(ctx context.Context, question string) ([]float32, error) {
	vecs, err := e.embedAll(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Engine) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := e.tracer.Start(ctx, "engine.embed", trace.WithAttributes(attribute.String("rag.embedder", e.embedder.Name())))
	defer span.End()
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, &domain.ServiceError{
			Service: e.embedder.Name(),
			Op:      "embed",
			Err:     &domain.LengthMismatchError{What: "embeddings vs inputs", Left: len(vecs), Right: len(texts)},
		}
	}
	return vecs, nil
}

func distinctQueries(question string, variants []string) []string {
	question = strings.TrimSpace(question)
	out := []string{question}
	seen := map[string]bool{question: true}
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func validateQuery(question string, topK, rerankTopN int) error {
	switch {
	case strings.TrimSpace(question) == "":
		return domain.NewConfigError("question", "must not be empty")
	case topK <= 0:
		return domain.NewConfigError("top_k", "must be positive, got %d", topK)
	case rerankTopN <= 0:
		return domain.NewConfigError("rerank_top_n", "must be positive, got %d", rerankTopN)
	case topK > rerankTopN:
		return domain.NewConfigError("top_k", "%d exceeds rerank_top_n %d", topK, rerankTopN)
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func tracer() trace.Tracer { return otel.Tracer(TracerName) }
