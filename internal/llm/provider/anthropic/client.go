// Package anthropic implements the backend client for the Anthropic
// messages API.
package anthropic

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
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-sonnet-4-20250514"
	DefaultTimeout = 120 * time.Second
	apiVersion     = "2023-06-01"
)

var modelCosts = map[string][2]float64{
	"claude-opus":   {0.015, 0.075},
	"claude-sonnet": {0.003, 0.015},
	"claude-haiku":  {0.0008, 0.004},
	"claude-3-5":    {0.003, 0.015},
	"claude-3":      {0.003, 0.015},
}

// Client talks to the Anthropic messages endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client from provider configuration.
func NewClient(cfg models.ProviderConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, models.ValidationError("api_key", "anthropic provider requires an API key")
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
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type messageRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Complete sends one messages-API request.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // the messages API requires max_tokens
	}

	payload := messageRequest{
		Model:       c.model,
		System:      req.System,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	body, err := c.post(ctx, "/v1/messages", payload)
	if err != nil {
		return nil, err
	}

	var parsed messageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "malformed messages response", err)
	}
	if parsed.StopReason == "refusal" {
		return nil, models.NewError(models.KindContentFiltered, "completion refused by backend safety system")
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.CompletionResponse{
		Text:         text.String(),
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		Truncated:    parsed.StopReason == "max_tokens",
	}, nil
}

// ListModels queries the models endpoint.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to build models request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "models request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "failed to read models response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ClassifyHTTPStatus(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "malformed models response", err)
	}
	names := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Model returns the configured default model.
func (c *Client) Model() string { return c.model }

// Costs returns the pricing for the configured model.
func (c *Client) Costs() (float64, float64, bool) {
	best := ""
	for prefix := range modelCosts {
		if strings.HasPrefix(c.model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0, 0, false
	}
	cost := modelCosts[best]
	return cost[0], cost[1], true
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.WrapError(models.KindTimeout, "completion request cancelled", ctx.Err())
		}
		return nil, models.WrapError(models.KindProviderTransient, "completion request failed", err)
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

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }

var _ adapter.Client = (*Client)(nil)
