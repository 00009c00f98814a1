// Package openai implements the backend client for the OpenAI chat
// completions API. It also serves OpenAI-compatible custom endpoints via
// an overridden base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/binsight/binsight-ai/internal/llm/adapter"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o"
	DefaultTimeout = 120 * time.Second
)

// modelCosts maps model prefixes to USD per 1K input/output tokens.
// Unlisted models report unknown pricing.
var modelCosts = map[string][2]float64{
	"gpt-4o":        {0.0025, 0.01},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-4":         {0.03, 0.06},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	priced       bool
	httpClient   *http.Client
}

// NewClient builds a client from provider configuration. Custom endpoints
// set EndpointURL and may omit the API key.
func NewClient(cfg models.ProviderConfig) (*Client, error) {
	baseURL := DefaultBaseURL
	if cfg.EndpointURL != "" {
		baseURL = strings.TrimRight(cfg.EndpointURL, "/")
	} else if cfg.APIKey == "" {
		return nil, models.ValidationError("api_key", "openai provider requires an API key")
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
		apiKey:       cfg.APIKey,
		model:        model,
		baseURL:      baseURL,
		organization: cfg.Organization,
		priced:       cfg.EndpointURL == "",
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.WrapError(models.KindProviderTransient, "malformed completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, models.NewError(models.KindProviderTransient, "completion response carried no choices")
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, models.NewError(models.KindContentFiltered, "completion refused by backend content filter")
	}

	return &types.CompletionResponse{
		Text:         choice.Message.Content,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Truncated:    choice.FinishReason == "length",
	}, nil
}

// ListModels queries the models endpoint.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
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

// Costs returns the pricing for the configured model. Custom endpoints
// report unknown pricing.
func (c *Client) Costs() (float64, float64, bool) {
	if !c.priced {
		return 0, 0, false
	}
	return lookupCosts(c.model)
}

// lookupCosts resolves pricing by longest matching model prefix.
func lookupCosts(model string) (float64, float64, bool) {
	best := ""
	for prefix := range modelCosts {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
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
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.organization != "" {
		req.Header.Set("OpenAI-Organization", c.organization)
	}
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }

var _ adapter.Client = (*Client)(nil)

// String implements fmt.Stringer without exposing the key.
func (c *Client) String() string {
	return fmt.Sprintf("openai(%s)", c.model)
}
