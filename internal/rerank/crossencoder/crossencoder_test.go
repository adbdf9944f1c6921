package crossencoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrirag/internal/domain"
)

func TestScore_ReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "蔬菜摄入量是多少", req.Query)
		assert.Equal(t, "bge-reranker-v2-m3", req.Model)
		assert.Equal(t, 3, req.TopN)
		assert.Equal(t, "Bearer rk", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[{"index":2,"relevance_score":-1.5},{"index":0,"relevance_score":7.25},{"index":1,"relevance_score":0.5}]}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_RERANK_KEY", "rk")
	c, err := NewClient(Config{Endpoint: srv.URL, Model: "bge-reranker-v2-m3", APIKeyEnv: "TEST_RERANK_KEY"})
	require.NoError(t, err)

	scores, err := c.Score(context.Background(), "蔬菜摄入量是多少", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{7.25, 0.5, -1.5}, scores)
}

func TestScore_NestedOutputShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":{"results":[{"index":0,"relevance_score":0.9}]}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	scores, err := c.Score(context.Background(), "q", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9}, scores)
}

func TestScore_MissingCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":0,"relevance_score":0.9}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = c.Score(context.Background(), "q", []string{"a", "b"})
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestScore_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = c.Score(context.Background(), "q", []string{"a"})
	var se *domain.ServiceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable)
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, domain.ErrConfig)
}
