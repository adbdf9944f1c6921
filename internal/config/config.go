package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"nutrirag/internal/domain"
)

// DefaultSource names the indexed document.
const DefaultSource = "中国居民膳食指南（2022）"

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKeyEnv     string  `yaml:"api_key_env"`
	Model         string  `yaml:"model"`
	Dimensions    int     `yaml:"dimensions"`
	TimeoutSecs   int     `yaml:"timeout_secs"`
	BatchSize     int     `yaml:"batch_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// LocalEmbedderConfig configures the offline hashing embedder.
type LocalEmbedderConfig struct {
	Dimension int `yaml:"dimension"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type   string                `yaml:"type"` // local | openai
	Local  *LocalEmbedderConfig  `yaml:"local,omitempty"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// OpenAIGeneratorConfig configures the chat completion generator.
type OpenAIGeneratorConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// GeneratorConfig selects the answer generator.
type GeneratorConfig struct {
	Type         string                 `yaml:"type"` // extractive | openai
	MaxSentences int                    `yaml:"max_sentences"`
	OpenAI       *OpenAIGeneratorConfig `yaml:"openai,omitempty"`
}

// CrossEncoderConfig points at an HTTP reranking service.
type CrossEncoderConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RerankerConfig selects the second-stage scorer.
type RerankerConfig struct {
	Type         string              `yaml:"type"` // none | lexical | crossencoder
	Threshold    *float64            `yaml:"threshold,omitempty"`
	CrossEncoder *CrossEncoderConfig `yaml:"crossencoder,omitempty"`
}

// ChunkerConfig configures how page text is split into chunks.
type ChunkerConfig struct {
	ChunkSize   int    `yaml:"chunk_size"`
	Overlap     int    `yaml:"overlap"`
	Terminators string `yaml:"terminators"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"` // file | qdrant
	Dir    string        `yaml:"dir"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	Addr        string `yaml:"addr"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// QueryConfig holds retrieval parameters.
type QueryConfig struct {
	TopK         int  `yaml:"top_k"`
	RerankTopN   int  `yaml:"rerank_top_n"`
	HistoryTurns int  `yaml:"history_turns"`
	Rewrite      bool `yaml:"rewrite"`
	// MultiQuery retrieves with model-generated rephrasings as well.
	MultiQuery bool `yaml:"multi_query"`
	Variants   int  `yaml:"variants"`
}

// IngestConfig configures knowledge-base construction.
type IngestConfig struct {
	PagesDir string `yaml:"pages_dir"`
	Source   string `yaml:"source"` // document name stored with every chunk; empty keeps page file names
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Reranker    RerankerConfig    `yaml:"reranker"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Query       QueryConfig       `yaml:"query"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Log         LogConfig         `yaml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/nutrirag/config.yaml.
// If neither exists, it writes defaults to ~/.config/nutrirag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports the first invalid setting as a ConfigError.
func (c *AppConfig) Validate() error {
	switch {
	case c.Chunker.ChunkSize <= 0:
		return domain.NewConfigError("chunker.chunk_size", "must be positive, got %d", c.Chunker.ChunkSize)
	case c.Chunker.Overlap < 0:
		return domain.NewConfigError("chunker.overlap", "must not be negative, got %d", c.Chunker.Overlap)
	case c.Chunker.Overlap >= c.Chunker.ChunkSize:
		return domain.NewConfigError("chunker.overlap", "%d must be smaller than chunk_size %d", c.Chunker.Overlap, c.Chunker.ChunkSize)
	case c.Query.TopK <= 0:
		return domain.NewConfigError("query.top_k", "must be positive, got %d", c.Query.TopK)
	case c.Query.RerankTopN < c.Query.TopK:
		return domain.NewConfigError("query.rerank_top_n", "%d is smaller than top_k %d", c.Query.RerankTopN, c.Query.TopK)
	case c.Query.Variants < 0:
		return domain.NewConfigError("query.variants", "must not be negative, got %d", c.Query.Variants)
	}
	if err := oneOf("embedder.type", c.Embedder.Type, "local", "openai"); err != nil {
		return err
	}
	if err := oneOf("generator.type", c.Generator.Type, "extractive", "openai"); err != nil {
		return err
	}
	if err := oneOf("reranker.type", c.Reranker.Type, "none", "lexical", "crossencoder"); err != nil {
		return err
	}
	if err := oneOf("vector_store.type", c.VectorStore.Type, "file", "qdrant"); err != nil {
		return err
	}
	if c.Reranker.Type == "crossencoder" && (c.Reranker.CrossEncoder == nil || c.Reranker.CrossEncoder.Endpoint == "") {
		return domain.NewConfigError("reranker.crossencoder.endpoint", "required for crossencoder reranker")
	}
	if c.VectorStore.Type == "qdrant" && (c.VectorStore.Qdrant == nil || c.VectorStore.Qdrant.Addr == "") {
		return domain.NewConfigError("vector_store.qdrant.addr", "required for qdrant store")
	}
	return nil
}

// Seconds converts a timeout_secs value, 0 meaning the component default.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return domain.NewConfigError(field, "unknown value %q, want one of %v", v, allowed)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "nutrirag", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Embedder:    EmbedderConfig{Type: "local", Local: &LocalEmbedderConfig{Dimension: 1024}},
		Generator:   GeneratorConfig{Type: "extractive", MaxSentences: 3},
		Reranker:    RerankerConfig{Type: "lexical"},
		Chunker:     ChunkerConfig{ChunkSize: 500, Overlap: 50, Terminators: "。"},
		VectorStore: VectorStoreConfig{Type: "file", Dir: "data/index"},
		Query:       QueryConfig{TopK: 3, RerankTopN: 10, HistoryTurns: 6, Rewrite: true, Variants: 3},
		Ingest:      IngestConfig{PagesDir: "data/pages", Source: DefaultSource},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "local" && cfg.Embedder.Local == nil {
		cfg.Embedder.Local = &LocalEmbedderConfig{Dimension: 1024}
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "DASHSCOPE_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-v4"
		}
		if o.Dimensions == 0 {
			o.Dimensions = 1024
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 10
		}
	}
	if cfg.Generator.Type == "openai" {
		if cfg.Generator.OpenAI == nil {
			cfg.Generator.OpenAI = &OpenAIGeneratorConfig{}
		}
		o := cfg.Generator.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "DASHSCOPE_API_KEY"
		}
		if o.Model == "" {
			o.Model = "qwen-plus"
		}
		if o.Temperature == 0 {
			o.Temperature = 0.1
		}
		if o.MaxTokens == 0 {
			o.MaxTokens = 1500
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 60
		}
	}
	if cfg.VectorStore.Type == "qdrant" && cfg.VectorStore.Qdrant != nil && cfg.VectorStore.Qdrant.Collection == "" {
		cfg.VectorStore.Qdrant.Collection = "nutrirag"
	}
}
