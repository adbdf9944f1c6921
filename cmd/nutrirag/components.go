package main

import (
	"context"
	"log/slog"

	"nutrirag/internal/chunker"
	"nutrirag/internal/config"
	"nutrirag/internal/domain"
	"nutrirag/internal/embedding/local"
	embopenai "nutrirag/internal/embedding/openai"
	"nutrirag/internal/generation/extractive"
	genopenai "nutrirag/internal/generation/openai"
	"nutrirag/internal/rerank/crossencoder"
	"nutrirag/internal/rerank/lexical"
	"nutrirag/internal/resilience"
	"nutrirag/internal/rewrite"
	"nutrirag/internal/service"
	"nutrirag/internal/vectorstore/fileindex"
	"nutrirag/internal/vectorstore/qdrant"
)

// components is the assembled pipeline for one process.
type components struct {
	cfg       *config.AppConfig
	logger    *slog.Logger
	chunker   domain.Chunker
	embedder  domain.Embedder
	generator domain.Generator
	reranker  domain.Reranker
	store     domain.VectorStore
	rewriter  *rewrite.Rewriter
	closer    func() error
}

func build(cfg *config.AppConfig, logger *slog.Logger) (*components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &components{cfg: cfg, logger: logger, closer: func() error { return nil }}

	ch, err := chunker.NewWindowChunker(cfg.Chunker.ChunkSize, cfg.Chunker.Overlap, cfg.Chunker.Terminators)
	if err != nil {
		return nil, err
	}
	c.chunker = ch

	dimension := 0
	switch cfg.Embedder.Type {
	case "local":
		emb := local.NewEmbedder(cfg.Embedder.Local.Dimension)
		dimension = emb.Dimension()
		c.embedder = emb
	case "openai":
		o := cfg.Embedder.OpenAI
		client, err := embopenai.NewClient(embopenai.Config{
			BaseURL:    o.BaseURL,
			APIKeyEnv:  o.APIKeyEnv,
			Model:      o.Model,
			Dimensions: o.Dimensions,
			BatchSize:  o.BatchSize,
			Timeout:    config.Seconds(o.TimeoutSecs),
		})
		if err != nil {
			return nil, err
		}
		dimension = o.Dimensions
		c.embedder = resilience.WrapEmbedder(client, resilience.Options{
			Timeout:       config.Seconds(o.TimeoutSecs),
			RatePerSecond: o.RatePerSecond,
			Burst:         o.Burst,
			BatchSize:     o.BatchSize,
		})
	}

	var llm domain.Generator
	switch cfg.Generator.Type {
	case "extractive":
		c.generator = extractive.NewGenerator(cfg.Generator.MaxSentences)
	case "openai":
		o := cfg.Generator.OpenAI
		client, err := genopenai.NewClient(genopenai.Config{
			BaseURL:     o.BaseURL,
			APIKeyEnv:   o.APIKeyEnv,
			Model:       o.Model,
			Temperature: o.Temperature,
			MaxTokens:   o.MaxTokens,
			Timeout:     config.Seconds(o.TimeoutSecs),
		})
		if err != nil {
			return nil, err
		}
		llm = resilience.WrapGenerator(client, resilience.Options{Timeout: config.Seconds(o.TimeoutSecs)})
		c.generator = llm
	}
	// the rewriter needs a model that follows instructions; without one it
	// uses keyword heuristics
	c.rewriter = rewrite.New(llm, rewrite.WithHistoryTurns(cfg.Query.HistoryTurns), rewrite.WithLogger(logger))

	switch cfg.Reranker.Type {
	case "lexical":
		c.reranker = lexical.New()
	case "crossencoder":
		o := cfg.Reranker.CrossEncoder
		client, err := crossencoder.NewClient(crossencoder.Config{
			Endpoint:  o.Endpoint,
			Model:     o.Model,
			APIKeyEnv: o.APIKeyEnv,
			Timeout:   config.Seconds(o.TimeoutSecs),
		})
		if err != nil {
			return nil, err
		}
		c.reranker = resilience.WrapReranker(client, resilience.Options{Timeout: config.Seconds(o.TimeoutSecs)})
	}

	switch cfg.VectorStore.Type {
	case "file":
		c.store = fileindex.New(cfg.VectorStore.Dir, logger)
	case "qdrant":
		q := cfg.VectorStore.Qdrant
		st, err := qdrant.NewStorage(qdrant.Config{
			Addr:       q.Addr,
			Collection: q.Collection,
			Dimension:  dimension,
			Timeout:    config.Seconds(q.TimeoutSecs),
		}, logger)
		if err != nil {
			return nil, err
		}
		c.store = st
		c.closer = st.Close
	}
	return c, nil
}

func (c *components) ingestor() *service.Ingestor {
	return service.NewIngestor(c.chunker, c.embedder, c.store, c.logger, service.WithSource(c.cfg.Ingest.Source))
}

// ask answers one question, widening retrieval with rephrasings when multi is set.
func (c *components) ask(ctx context.Context, question string, topK, rerankTopN int, multi bool) (domain.Answer, error) {
	eng := c.engine()
	if !multi {
		return eng.Query(ctx, question, topK, rerankTopN)
	}
	variants, err := c.rewriter.ExpandQuery(ctx, question, c.cfg.Query.Variants)
	if err != nil {
		c.logger.Warn("query expansion failed, retrieving with the question only", "err", err)
		variants = nil
	}
	return eng.QueryMulti(ctx, question, variants, topK, rerankTopN)
}

func (c *components) engine() *service.Engine {
	opts := []service.EngineOption{service.WithEngineLogger(c.logger)}
	if c.reranker != nil {
		opts = append(opts, service.WithReranker(c.reranker))
	}
	if c.cfg.Reranker.Threshold != nil {
		opts = append(opts, service.WithThreshold(*c.cfg.Reranker.Threshold))
	}
	return service.NewEngine(c.embedder, c.store, c.generator, opts...)
}
