package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

const estimatorCacheSize = 512

// LLMAdapter implements Provider over a backend Client. All four operations
// share the same retry, accounting, parsing, and confidence machinery.
type LLMAdapter struct {
	id     string
	kind   models.ProviderKind
	client Client
	opts   Options
	est    *tokenEstimator
}

// New wraps a backend client in the uniform adapter.
func New(id string, kind models.ProviderKind, client Client, opts Options) *LLMAdapter {
	return &LLMAdapter{
		id:     id,
		kind:   kind,
		client: client,
		opts:   opts.withDefaults(),
		est:    newTokenEstimator(estimatorCacheSize),
	}
}

func (a *LLMAdapter) ID() string               { return a.id }
func (a *LLMAdapter) Kind() models.ProviderKind { return a.kind }

// CostPerToken returns the blended USD cost per token, nil when the backend
// pricing is unknown.
func (a *LLMAdapter) CostPerToken() *float64 {
	in, out, known := a.client.Costs()
	if !known {
		return nil
	}
	blended := (in + out) / 2 / 1000
	return &blended
}

// complete sends one completion with retry and returns the response plus
// filled provider metadata.
func (a *LLMAdapter) complete(ctx context.Context, op types.Operation, system, prompt string) (*types.CompletionResponse, models.ProviderMetadata, error) {
	req := types.CompletionRequest{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, a.opts.MaxAttempts, a.opts.InitialBackoff, func() (*types.CompletionResponse, error) {
		r, cerr := a.client.Complete(ctx, req)
		if cerr != nil {
			return nil, cerr
		}
		if strings.TrimSpace(r.Text) == "" {
			return nil, models.NewError(models.KindProviderTransient, "backend returned empty completion")
		}
		return r, nil
	})
	elapsed := time.Since(start)

	model := a.client.Model()
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(a.id, model, string(op), "error").Inc()
		return nil, models.ProviderMetadata{}, err
	}
	if resp.Model != "" {
		model = resp.Model
	}

	meta := models.ProviderMetadata{
		Provider:         a.id,
		Model:            model,
		InputTokens:      resp.InputTokens,
		OutputTokens:     resp.OutputTokens,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	if meta.InputTokens == 0 {
		meta.InputTokens = a.est.Estimate(system) + a.est.Estimate(prompt)
	}
	if meta.OutputTokens == 0 {
		meta.OutputTokens = a.est.Estimate(resp.Text)
	}
	meta.TokensUsed = meta.InputTokens + meta.OutputTokens

	if in1k, out1k, known := a.client.Costs(); known {
		cost := float64(meta.InputTokens)/1000*in1k + float64(meta.OutputTokens)/1000*out1k
		meta.CostEstimate = &cost
		metrics.LLMCostUSD.WithLabelValues(a.id, model).Add(cost)
	}

	metrics.LLMRequestsTotal.WithLabelValues(a.id, model, string(op), "success").Inc()
	metrics.LLMTokensUsed.WithLabelValues(a.id, model, "input").Add(float64(meta.InputTokens))
	metrics.LLMTokensUsed.WithLabelValues(a.id, model, "output").Add(float64(meta.OutputTokens))
	metrics.LLMRequestDuration.WithLabelValues(a.id, model).Observe(elapsed.Seconds())

	return resp, meta, nil
}

// TranslateFunction produces the natural-language translation of one
// decompiled function.
func (a *LLMAdapter) TranslateFunction(ctx context.Context, req *types.FunctionRequest) (*models.FunctionTranslation, error) {
	resp, meta, err := a.complete(ctx, types.OpTranslateFunction, req.Bundle.System, req.Bundle.Prompt)
	if err != nil {
		return nil, err
	}

	t := &models.FunctionTranslation{
		Name:        req.Function.Name,
		Address:     req.Function.Address,
		Size:        req.Function.Size,
		ContextUsed: req.Bundle.ContextUsed,
		Provider:    meta,
	}
	if addr, aerr := models.CanonicalAddress(req.Function.Address); aerr == nil {
		t.Address = addr
	}

	var structured struct {
		Description      string `json:"description"`
		Parameters       string `json:"parameters"`
		ReturnValue      string `json:"return_value"`
		SecurityNotes    string `json:"security_notes"`
		PerformanceNotes string `json:"performance_notes"`
	}
	if extractJSON(resp.Text, &structured) && structured.Description != "" {
		t.Description = structured.Description
		t.Parameters = structured.Parameters
		t.ReturnValue = structured.ReturnValue
		t.SecurityNotes = structured.SecurityNotes
		t.PerformanceNotes = structured.PerformanceNotes
	} else {
		sections := parseSections(resp.Text, []string{
			"Description", "Parameters", "Return Value", "Security Notes", "Performance Notes",
		})
		t.Description = sectionOr(sections, "description", strings.TrimSpace(resp.Text))
		t.Parameters = sectionOr(sections, "parameters", "")
		t.ReturnValue = sectionOr(sections, "return value", "")
		t.SecurityNotes = sectionOr(sections, "security notes", "")
		t.PerformanceNotes = sectionOr(sections, "performance notes", "")
	}

	t.Confidence = scoreConfidence(resp.Text, []string{req.Function.Name})
	return t, nil
}

// ExplainImports explains an ordered import list in a single backend call.
// The output list always matches the input length; imports the model skipped
// degrade to a raw-text excerpt at floor confidence.
func (a *LLMAdapter) ExplainImports(ctx context.Context, req *types.ImportsRequest) ([]models.ImportTranslation, error) {
	if len(req.Imports) == 0 {
		return nil, nil
	}

	prompt := req.Bundle.Prompt + "\n\nIMPORTS:\n" + itemsJSON(req.Imports)
	resp, meta, err := a.complete(ctx, types.OpExplainImports, req.Bundle.System, prompt)
	if err != nil {
		return nil, err
	}

	var structured []struct {
		Library              string `json:"library"`
		Symbol               string `json:"symbol"`
		Purpose              string `json:"purpose"`
		TypicalUsage         string `json:"typical_usage"`
		SecurityImplications string `json:"security_implications"`
		Alternatives         string `json:"alternatives"`
	}
	parsed := extractJSON(resp.Text, &structured)

	// Index parsed entries by symbol for order-independent matching.
	bySymbol := map[string]int{}
	if parsed {
		for i, s := range structured {
			bySymbol[strings.ToLower(s.Symbol)] = i
		}
	}

	out := make([]models.ImportTranslation, len(req.Imports))
	confidence := scoreConfidence(resp.Text, nil)
	for i, imp := range req.Imports {
		out[i] = models.ImportTranslation{
			Library:    imp.Library,
			Symbol:     imp.Symbol,
			Confidence: confidence,
			Provider:   meta,
		}
		idx, ok := bySymbol[strings.ToLower(imp.Symbol)]
		if !ok && parsed && i < len(structured) {
			idx, ok = i, true
		}
		if ok {
			s := structured[idx]
			out[i].Purpose = s.Purpose
			out[i].TypicalUsage = s.TypicalUsage
			out[i].SecurityImplications = s.SecurityImplications
			out[i].Alternatives = s.Alternatives
			out[i].Confidence = scoreConfidence(s.Purpose, []string{imp.Symbol, imp.Library})
		} else {
			out[i].Purpose = excerpt(resp.Text, 200)
			out[i].Confidence = 0.5
		}
	}
	return out, nil
}

// InterpretStrings interprets an ordered string list, sub-chunking to
// respect the batch bound. Output order matches input order.
func (a *LLMAdapter) InterpretStrings(ctx context.Context, req *types.StringsRequest) ([]models.StringTranslation, error) {
	if len(req.Strings) == 0 {
		return nil, nil
	}

	out := make([]models.StringTranslation, 0, len(req.Strings))
	for start := 0; start < len(req.Strings); start += a.opts.StringBatchSize {
		end := start + a.opts.StringBatchSize
		if end > len(req.Strings) {
			end = len(req.Strings)
		}
		chunk := req.Strings[start:end]

		prompt := req.Bundle.Prompt + "\n\nSTRINGS:\n" + itemsJSON(chunk)
		resp, meta, err := a.complete(ctx, types.OpInterpretStrings, req.Bundle.System, prompt)
		if err != nil {
			return nil, err
		}

		var structured []struct {
			Value          string `json:"value"`
			Interpretation string `json:"interpretation"`
			UsageContext   string `json:"usage_context"`
			SecurityNote   string `json:"security_note"`
		}
		parsed := extractJSON(resp.Text, &structured)
		fallbackConfidence := scoreConfidence(resp.Text, nil)

		for i, s := range chunk {
			st := models.StringTranslation{
				Value:      s.Value,
				Encoding:   s.Encoding,
				Confidence: fallbackConfidence,
				Provider:   meta,
			}
			if addr, aerr := models.CanonicalAddress(s.Address); aerr == nil {
				st.Address = addr
			}
			if parsed && i < len(structured) {
				st.Interpretation = structured[i].Interpretation
				st.UsageContext = structured[i].UsageContext
				st.SecurityNote = structured[i].SecurityNote
				st.Confidence = scoreConfidence(structured[i].Interpretation, []string{s.Value})
			} else {
				st.Interpretation = excerpt(resp.Text, 200)
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// GenerateOverallSummary produces the whole-program summary from a digest.
func (a *LLMAdapter) GenerateOverallSummary(ctx context.Context, req *types.SummaryRequest) (*models.OverallSummary, error) {
	resp, meta, err := a.complete(ctx, types.OpOverallSummary, req.Bundle.System, req.Bundle.Prompt)
	if err != nil {
		return nil, err
	}

	s := &models.OverallSummary{Provider: meta}

	var structured struct {
		Purpose         string   `json:"purpose"`
		Functionality   string   `json:"functionality"`
		Architecture    string   `json:"architecture"`
		DataFlow        string   `json:"data_flow"`
		SecurityPosture string   `json:"security_posture"`
		TechnologyStack []string `json:"technology_stack"`
		KeyInsights     []string `json:"key_insights"`
		RiskAssessment  *struct {
			Level    string   `json:"level"`
			Score    float64  `json:"score"`
			Findings []string `json:"findings"`
		} `json:"risk_assessment"`
	}
	if extractJSON(resp.Text, &structured) && structured.Purpose != "" {
		s.Purpose = structured.Purpose
		s.Functionality = structured.Functionality
		s.Architecture = structured.Architecture
		s.DataFlow = structured.DataFlow
		s.SecurityPosture = structured.SecurityPosture
		s.TechnologyStack = structured.TechnologyStack
		s.KeyInsights = structured.KeyInsights
		if structured.RiskAssessment != nil {
			s.Risk = &models.RiskAssessment{
				Level:    structured.RiskAssessment.Level,
				Score:    structured.RiskAssessment.Score,
				Findings: structured.RiskAssessment.Findings,
			}
		}
	} else {
		sections := parseSections(resp.Text, []string{
			"Purpose", "Functionality", "Architecture", "Data Flow", "Security Posture",
		})
		s.Purpose = sectionOr(sections, "purpose", excerpt(resp.Text, 400))
		s.Functionality = sectionOr(sections, "functionality", "")
		s.Architecture = sectionOr(sections, "architecture", "")
		s.DataFlow = sectionOr(sections, "data flow", "")
		s.SecurityPosture = sectionOr(sections, "security posture", "")
	}

	s.Confidence = scoreConfidence(resp.Text, req.Digest.FunctionNames)
	return s, nil
}

// HealthCheck probes the backend with a minimal fixed request. It never
// returns an error; failures land in the struct.
func (a *LLMAdapter) HealthCheck(ctx context.Context) models.ProviderHealth {
	health := models.ProviderHealth{
		LastProbeTime:    time.Now().UTC(),
		WithinRateLimits: true,
		CostPerToken:     a.CostPerToken(),
	}

	start := time.Now()
	resp, err := a.client.Complete(ctx, types.CompletionRequest{
		Prompt:    "Reply with exactly: OK",
		MaxTokens: 8,
	})
	health.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		health.ErrorMessage = fmt.Sprintf("probe failed: %v", err)
		if models.KindOf(err) == models.KindProviderRateLimit {
			health.IsHealthy = true
			health.WithinRateLimits = false
		}
		return health
	}
	if strings.TrimSpace(resp.Text) == "" {
		health.ErrorMessage = "probe returned empty completion"
		return health
	}

	health.IsHealthy = true
	if names, merr := a.client.ListModels(ctx); merr == nil {
		health.AvailableModels = names
	}
	return health
}

// itemsJSON serializes artifacts as an indented JSON block for inclusion in
// a prompt. Serialization of well-formed artifacts cannot fail.
func itemsJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}

func excerpt(text string, n int) string {
	text = strings.TrimSpace(text)
	if len(text) <= n {
		return text
	}
	return text[:n] + "..."
}
