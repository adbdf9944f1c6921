package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrirag/internal/domain"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Chunker.ChunkSize)
	assert.Equal(t, 50, cfg.Chunker.Overlap)
	assert.Equal(t, 3, cfg.Query.TopK)
	assert.Equal(t, 10, cfg.Query.RerankTopN)
	assert.Equal(t, 1024, cfg.Embedder.Local.Dimension)
	assert.Equal(t, "中国居民膳食指南（2022）", cfg.Ingest.Source)
	assert.False(t, cfg.Query.MultiQuery)
	assert.Equal(t, 3, cfg.Query.Variants)
	require.NoError(t, cfg.Validate())
}

func TestLoad_PartialFileKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedder:
  type: openai
generator:
  type: openai
  openai:
    model: qwen-max
query:
  top_k: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Query.TopK)
	assert.Equal(t, 10, cfg.Query.RerankTopN)
	assert.Equal(t, 500, cfg.Chunker.ChunkSize)
	require.NotNil(t, cfg.Embedder.OpenAI)
	assert.Equal(t, "DASHSCOPE_API_KEY", cfg.Embedder.OpenAI.APIKeyEnv)
	assert.Equal(t, 1024, cfg.Embedder.OpenAI.Dimensions)
	assert.Equal(t, "qwen-max", cfg.Generator.OpenAI.Model)
	assert.InDelta(t, 0.1, cfg.Generator.OpenAI.Temperature, 1e-6)
	assert.Equal(t, 1500, cfg.Generator.OpenAI.MaxTokens)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	th := 0.2
	cfg := defaultConfig()
	cfg.Reranker.Threshold = &th
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"overlap equals size": func(c *AppConfig) { c.Chunker.Overlap = c.Chunker.ChunkSize },
		"negative overlap":    func(c *AppConfig) { c.Chunker.Overlap = -1 },
		"zero chunk size":     func(c *AppConfig) { c.Chunker.ChunkSize = 0 },
		"top_k over rerank":   func(c *AppConfig) { c.Query.TopK = 11 },
		"negative variants":   func(c *AppConfig) { c.Query.Variants = -1 },
		"unknown embedder":    func(c *AppConfig) { c.Embedder.Type = "word2vec" },
		"crossencoder no url": func(c *AppConfig) { c.Reranker.Type = "crossencoder" },
		"qdrant without addr": func(c *AppConfig) { c.VectorStore.Type = "qdrant" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrConfig)
		})
	}
}
