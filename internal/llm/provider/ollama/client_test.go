package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(models.ProviderConfig{
		Kind:         models.ProviderOllama,
		DefaultModel: "llama3.1",
	})
	require.NoError(t, err)
	client.SetBaseURL(srv.URL)
	return client
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(models.ProviderConfig{Kind: models.ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, client.Model())
	assert.Equal(t, DefaultBaseURL, client.baseURL)

	_, _, known := client.Costs()
	assert.False(t, known, "local inference has no pricing")
}

func TestComplete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "llama3.1", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1",
			"message":           map[string]any{"role": "assistant", "content": "local translation"},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 64,
			"eval_count":        21,
		})
	})

	resp, err := client.Complete(context.Background(), types.CompletionRequest{
		System: "sys",
		Prompt: "translate",
	})
	require.NoError(t, err)
	assert.Equal(t, "local translation", resp.Text)
	assert.Equal(t, 64, resp.InputTokens)
	assert.Equal(t, 21, resp.OutputTokens)
	assert.False(t, resp.Truncated)
}

func TestCompleteServerDown(t *testing.T) {
	client, err := NewClient(models.ProviderConfig{
		Kind:        models.ProviderOllama,
		EndpointURL: "http://127.0.0.1:1", // nothing listens here
	})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), types.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.KindProviderTransient, models.KindOf(err))
}

func TestCompleteServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "model not loaded"}`))
	})

	_, err := client.Complete(context.Background(), types.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.KindProviderTransient, models.KindOf(err))
}

func TestListModels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3.1:latest"}, {"name": "codellama:13b"}},
		})
	})

	names, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:latest", "codellama:13b"}, names)
}
