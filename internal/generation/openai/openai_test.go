package openai

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

func newServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req struct {
			Model       string  `json:"model"`
			Temperature float32 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen-plus", req.Model)
		assert.InDelta(t, 0.1, req.Temperature, 1e-6)
		assert.Equal(t, 1500, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"upstream","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": reply},
			}},
		})
	}))
}

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	t.Setenv("TEST_CHAT_KEY", "sk-test")
	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", APIKeyEnv: "TEST_CHAT_KEY", Model: "qwen-plus"})
	require.NoError(t, err)
	return c
}

func TestGenerate(t *testing.T) {
	srv := newServer(t, http.StatusOK, "  每天300克。\n")
	defer srv.Close()

	out, err := newClient(t, srv).Generate(context.Background(), "蔬菜摄入量是多少")
	require.NoError(t, err)
	assert.Equal(t, "每天300克。", out)
}

func TestGenerate_ServerErrorIsRetryable(t *testing.T) {
	srv := newServer(t, http.StatusServiceUnavailable, "")
	defer srv.Close()

	_, err := newClient(t, srv).Generate(context.Background(), "q")
	var se *domain.ServiceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable)
	assert.Equal(t, "generate", se.Op)
}
