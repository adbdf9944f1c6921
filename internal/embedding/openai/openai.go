// Package openai provides an OpenAI-compatible embeddings client.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"nutrirag/internal/domain"
	"nutrirag/internal/resilience"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "text-embedding-3-small"
	defaultBatchSize = 64
)

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	Model      string
	Dimensions int // requested output size, 0 lets the model decide
	BatchSize  int
	Timeout    time.Duration
}

// Client implements domain.Embedder against an OpenAI-compatible /embeddings endpoint.
type Client struct {
	api        *openai.Client
	model      string
	dimensions int
	batchSize  int
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, domain.NewConfigError("embedding.api_key_env", "missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Dimensions < 0 {
		return nil, domain.NewConfigError("embedding.dimensions", "must be >= 0, got %d", cfg.Dimensions)
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}

	oc := openai.DefaultConfig(key)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: t}

	return &Client{
		api:        openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
	}, nil
}

// BatchSize is the number of inputs sent per API request.
func (c *Client) BatchSize() int { return c.batchSize }

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

// Embed returns one vector per input text, in input order. Inputs are sent in
// batches of at most BatchSize; any failed batch fails the whole call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("openai: empty embedding batch")
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      batch,
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, mapError("embed", err)
	}
	if len(resp.Data) != len(batch) {
		return nil, &domain.ServiceError{
			Service: c.Name(),
			Op:      "embed",
			Err:     &domain.LengthMismatchError{What: "embeddings vs inputs", Left: len(resp.Data), Right: len(batch)},
		}
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vecs := make([][]float32, len(data))
	dim := -1
	for i, d := range data {
		if dim == -1 {
			dim = len(d.Embedding)
		}
		if len(d.Embedding) != dim || dim == 0 {
			return nil, &domain.ServiceError{
				Service: c.Name(),
				Op:      "embed",
				Err:     fmt.Errorf("inconsistent embedding size at %d: %d", i, len(d.Embedding)),
			}
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// mapError converts go-openai errors into ServiceErrors carrying the HTTP status.
func mapError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return resilience.FromStatus("openai", op, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return resilience.FromStatus("openai", op, reqErr.HTTPStatusCode, err)
	}
	return resilience.Wrap("openai", op, err)
}
