// Package types holds the payloads shared between the translation pipeline,
// the prompt builder, and the provider adapters.
package types

import "github.com/binsight/binsight-ai/internal/models"

// Operation names the four translation call classes.
type Operation string

const (
	OpTranslateFunction Operation = "translate_function"
	OpExplainImports    Operation = "explain_imports"
	OpInterpretStrings  Operation = "interpret_strings"
	OpOverallSummary    Operation = "generate_overall_summary"
)

// Operations lists all operations in a fixed order.
var Operations = []Operation{OpTranslateFunction, OpExplainImports, OpInterpretStrings, OpOverallSummary}

// PromptBundle is the rendered prompt material the context builder produces
// for one operation. Adapters send it as-is; they never author prompt text.
type PromptBundle struct {
	System      string   `json:"system"`
	Prompt      string   `json:"prompt"`
	ContextUsed []string `json:"context_used,omitempty"`
	Quality     string   `json:"quality"`
}

// FunctionRequest asks for a natural-language translation of one function.
type FunctionRequest struct {
	Function models.FunctionArtifact
	Bundle   PromptBundle
}

// ImportsRequest asks for explanations of an ordered list of imports.
// Adapters may batch internally; output order matches input order.
type ImportsRequest struct {
	Imports []models.ImportArtifact
	Bundle  PromptBundle
}

// StringsRequest asks for interpretations of an ordered list of strings.
// Adapters may sub-chunk to respect their token budget.
type StringsRequest struct {
	Strings []models.StringArtifact
	Bundle  PromptBundle
}

// ArtifactDigest is the cropped whole-program view used for the summary.
type ArtifactDigest struct {
	FileInfo      models.FileInfo `json:"file_info"`
	FunctionNames []string        `json:"function_names"`
	Libraries     []string        `json:"libraries"`
	SampleStrings []string        `json:"sample_strings"`
	FunctionCount int             `json:"function_count"`
	ImportCount   int             `json:"import_count"`
	StringCount   int             `json:"string_count"`
}

// SummaryRequest asks for the whole-program summary.
type SummaryRequest struct {
	Digest ArtifactDigest
	Bundle PromptBundle
}

// CompletionRequest is the provider-neutral wire request an adapter sends to
// its backend client.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the provider-neutral backend reply. Token counts are
// authoritative when the backend reported them, otherwise zero and the
// adapter estimates.
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Truncated    bool
}
