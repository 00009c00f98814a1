package models

import "time"

// FileInfo is the metadata block of a decompilation artifact dump.
type FileInfo struct {
	FileHash         string     `json:"file_hash"`
	Filename         string     `json:"filename"`
	Format           FileFormat `json:"format"`
	FormatConfidence float64    `json:"format_confidence"`
	SizeBytes        int64      `json:"size_bytes"`
	Architecture     string     `json:"architecture,omitempty"`
	Entrypoint       string     `json:"entrypoint,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
}

// FunctionArtifact is one decompiled function as emitted by the engine.
type FunctionArtifact struct {
	Name           string   `json:"name"`
	Address        string   `json:"address"`
	Size           int      `json:"size"`
	Signature      string   `json:"signature,omitempty"`
	DecompiledCode string   `json:"decompiled_code"`
	CallsTo        []string `json:"calls_to,omitempty"`
	CalledBy       []string `json:"called_by,omitempty"`
}

// ImportArtifact is one imported symbol.
type ImportArtifact struct {
	Library string `json:"library"`
	Symbol  string `json:"symbol"`
	Address string `json:"address,omitempty"`
}

// StringArtifact is one extracted string literal.
type StringArtifact struct {
	Value    string `json:"value"`
	Address  string `json:"address,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Section  string `json:"section,omitempty"`
}

// ArtifactSet is the complete structured output of the external
// decompilation engine for one binary.
type ArtifactSet struct {
	FileInfo  FileInfo           `json:"file_info"`
	Functions []FunctionArtifact `json:"functions"`
	Imports   []ImportArtifact   `json:"imports"`
	Strings   []StringArtifact   `json:"strings"`
}

// ProviderMetadata is attached to every translation artifact, recording
// which backend produced it and at what cost.
type ProviderMetadata struct {
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	TokensUsed       int      `json:"tokens_used"`
	InputTokens      int      `json:"input_tokens"`
	OutputTokens     int      `json:"output_tokens"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
	CostEstimate     *float64 `json:"cost_estimate,omitempty"`
}

// FunctionTranslation is the natural-language counterpart to one function.
type FunctionTranslation struct {
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	Size             int              `json:"size"`
	Description      string           `json:"description"`
	Parameters       string           `json:"parameters,omitempty"`
	ReturnValue      string           `json:"return_value,omitempty"`
	SecurityNotes    string           `json:"security_notes,omitempty"`
	PerformanceNotes string           `json:"performance_notes,omitempty"`
	Confidence       float64          `json:"confidence"`
	ContextUsed      []string         `json:"context_used,omitempty"`
	Provider         ProviderMetadata `json:"provider_metadata"`
}

// ImportTranslation explains one imported symbol.
type ImportTranslation struct {
	Library              string           `json:"library"`
	Symbol               string           `json:"symbol"`
	Purpose              string           `json:"purpose"`
	TypicalUsage         string           `json:"typical_usage,omitempty"`
	SecurityImplications string           `json:"security_implications,omitempty"`
	Alternatives         string           `json:"alternatives,omitempty"`
	Confidence           float64          `json:"confidence"`
	Provider             ProviderMetadata `json:"provider_metadata"`
}

// StringTranslation interprets one extracted string.
type StringTranslation struct {
	Value          string           `json:"value"`
	Address        string           `json:"address,omitempty"`
	Encoding       string           `json:"encoding,omitempty"`
	UsageContext   string           `json:"usage_context,omitempty"`
	Interpretation string           `json:"interpretation"`
	SecurityNote   string           `json:"security_note,omitempty"`
	Confidence     float64          `json:"confidence"`
	Provider       ProviderMetadata `json:"provider_metadata"`
}

// RiskAssessment aggregates security posture over the whole program.
type RiskAssessment struct {
	Level    string   `json:"level"`
	Score    float64  `json:"score"`
	Findings []string `json:"findings,omitempty"`
}

// OverallSummary is the whole-program translation.
type OverallSummary struct {
	Purpose         string           `json:"purpose"`
	Functionality   string           `json:"functionality"`
	Architecture    string           `json:"architecture,omitempty"`
	DataFlow        string           `json:"data_flow,omitempty"`
	SecurityPosture string           `json:"security_posture,omitempty"`
	TechnologyStack []string         `json:"technology_stack,omitempty"`
	KeyInsights     []string         `json:"key_insights,omitempty"`
	Risk            *RiskAssessment  `json:"risk_assessment,omitempty"`
	Confidence      float64          `json:"confidence"`
	Provider        ProviderMetadata `json:"provider_metadata"`
}

// DecompilationResult is the aggregated output of one pipeline run.
type DecompilationResult struct {
	FileInfo           FileInfo              `json:"file_info"`
	Functions          []FunctionTranslation `json:"functions,omitempty"`
	Imports            []ImportTranslation   `json:"imports,omitempty"`
	Strings            []StringTranslation   `json:"strings,omitempty"`
	Summary            *OverallSummary       `json:"overall_summary,omitempty"`
	ProvidersUsed      map[string]string     `json:"providers_used,omitempty"` // operation → provider id
	TotalLLMTokensUsed int                   `json:"total_llm_tokens_used"`
	TotalCostUSD       float64               `json:"total_cost_usd"`
	TotalLatencyMs     int64                 `json:"total_latency_ms"`
	Success            bool                  `json:"success"`
	PartialResults     bool                  `json:"partial_results"`
	CacheHit           bool                  `json:"cache_hit"`
	Errors             []string              `json:"errors,omitempty"`
	CompletedAt        time.Time             `json:"completed_at"`
}

// IsHighConfidence reports whether every present artifact class averages at
// or above 0.8 confidence.
func (r *DecompilationResult) IsHighConfidence() bool {
	var sum float64
	var n int
	for _, f := range r.Functions {
		sum += f.Confidence
		n++
	}
	for _, i := range r.Imports {
		sum += i.Confidence
		n++
	}
	for _, s := range r.Strings {
		sum += s.Confidence
		n++
	}
	if r.Summary != nil {
		sum += r.Summary.Confidence
		n++
	}
	if n == 0 {
		return false
	}
	return sum/float64(n) >= 0.8
}

// ClampConfidence bounds a heuristic confidence score to [floor, 1.0].
// A non-empty output never scores below 0.5.
func ClampConfidence(score float64, nonEmpty bool) float64 {
	if nonEmpty && score < 0.5 {
		score = 0.5
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
