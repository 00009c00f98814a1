// Package gemini implements the backend client for the Google Gemini API
// via the official genai SDK.
package gemini

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/binsight/binsight-ai/internal/llm/adapter"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

const DefaultModel = "gemini-2.0-flash"

var modelCosts = map[string][2]float64{
	"gemini-2.0-flash": {0.0001, 0.0004},
	"gemini-1.5-flash": {0.000075, 0.0003},
	"gemini-1.5-pro":   {0.00125, 0.005},
}

// Client talks to the Gemini API through the genai SDK.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient builds a client from provider configuration.
func NewClient(ctx context.Context, cfg models.ProviderConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, models.ValidationError("api_key", "gemini provider requires an API key")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "failed to create genai client", err)
	}
	return &Client{client: client, model: model}, nil
}

// Complete sends one generate-content request.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, classifyGenAIError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, models.NewError(models.KindProviderTransient, "generation returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety ||
		candidate.FinishReason == genai.FinishReasonProhibitedContent {
		return nil, models.NewError(models.KindContentFiltered, "generation blocked by backend safety system")
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	out := &types.CompletionResponse{
		Text:      text.String(),
		Model:     c.model,
		Truncated: candidate.FinishReason == genai.FinishReasonMaxTokens,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// ListModels pages through the models the API exposes.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, classifyGenAIError(err)
	}
	names := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
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

// classifyGenAIError maps SDK errors onto the error taxonomy by HTTP code.
func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return adapter.ClassifyHTTPStatus(apiErr.Code, apiErr.Message, "")
	}
	return models.WrapError(models.KindProviderTransient, "genai request failed", err)
}

var _ adapter.Client = (*Client)(nil)
