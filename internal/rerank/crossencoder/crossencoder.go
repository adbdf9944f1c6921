// Package crossencoder calls an HTTP reranking service hosting a cross-encoder
// model such as bge-reranker. The service receives the query together with
// every candidate and returns one relevance score per candidate.
package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"nutrirag/internal/domain"
	"nutrirag/internal/resilience"
)

// Config configures the reranking client.
type Config struct {
	Endpoint  string // full URL of the rerank endpoint
	Model     string // e.g. "bge-reranker-v2-m3"
	APIKeyEnv string // optional; empty means no Authorization header
	Timeout   time.Duration
}

// Client implements domain.Reranker.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

type rerankReq struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// rerankResp accepts both the flat shape and the DashScope shape that nests
// results under "output".
type rerankResp struct {
	Results []rerankResult `json:"results"`
	Output  struct {
		Results []rerankResult `json:"results"`
	} `json:"output"`
}

// NewClient creates a reranking client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, domain.NewConfigError("reranker.endpoint", "required")
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	return &Client{endpoint: cfg.Endpoint, model: cfg.Model, apiKey: key, client: &http.Client{Timeout: t}}, nil
}

func (c *Client) Name() string { return "crossencoder" }

// Score returns the raw relevance score for each candidate, in input order.
func (c *Client) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}
	body, err := json.Marshal(rerankReq{Query: query, Documents: candidates, Model: c.model, TopN: len(candidates)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.Wrap(c.Name(), "score", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.FromStatus(c.Name(), "score", resp.StatusCode,
			fmt.Errorf("rerank failed: %s: %s", resp.Status, bytes.TrimSpace(snippet)))
	}

	var out rerankResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domain.ServiceError{Service: c.Name(), Op: "score", Err: &domain.ParseError{Expected: "rerank response", Err: err}}
	}
	results := out.Results
	if len(results) == 0 {
		results = out.Output.Results
	}

	scores := make([]float64, len(candidates))
	seen := make([]bool, len(candidates))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, &domain.ServiceError{Service: c.Name(), Op: "score", Err: fmt.Errorf("result index %d out of range", r.Index)}
		}
		scores[r.Index] = r.RelevanceScore
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, &domain.ServiceError{Service: c.Name(), Op: "score", Err: fmt.Errorf("no score for candidate %d", i)}
		}
	}
	return scores, nil
}
