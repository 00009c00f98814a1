// Package ollama implements the backend client for a local Ollama server.
// Local inference has no per-token cost; Costs reports unknown pricing.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/binsight/binsight-ai/internal/llm/adapter"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.1"
	// Local models on CPU can be slow; allow generous time per call.
	DefaultTimeout = 300 * time.Second
)

// Client talks to one Ollama server.
type Client struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client from provider configuration.
func NewClient(cfg models.ProviderConfig) (*Client, error) {
	baseURL := DefaultBaseURL
	if cfg.EndpointURL != "" {
		baseURL = strings.TrimRight(cfg.EndpointURL, "/")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Complete sends one non-streaming chat request.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := c.post(ctx, "/api/chat", chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options: chatOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "malformed chat response", err)
	}

	return &types.CompletionResponse{
		Text:         parsed.Message.Content,
		Model:        parsed.Model,
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
		Truncated:    parsed.DoneReason == "length",
	}, nil
}

// ListModels queries the local tag list.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to build tags request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "tags request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "failed to read tags response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ClassifyHTTPStatus(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	}

	var parsed tagsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "malformed tags response", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Model returns the configured default model.
func (c *Client) Model() string { return c.model }

// Costs reports unknown pricing; local inference is not metered.
func (c *Client) Costs() (float64, float64, bool) { return 0, 0, false }

func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.WrapError(models.KindTimeout, "chat request cancelled", ctx.Err())
		}
		return nil, models.WrapError(models.KindProviderTransient, "chat request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ClassifyHTTPStatus(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	}
	return body, nil
}

// SetBaseURL overrides the server base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }

var _ adapter.Client = (*Client)(nil)
