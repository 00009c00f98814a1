package prompt

import (
	"regexp"
	"strings"

	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

// Intent is a closed-set label that biases template selection toward a
// domain focus.
type Intent string

const (
	IntentMalwareAnalysis       Intent = "malware_analysis"
	IntentVulnerabilityResearch Intent = "vulnerability_research"
	IntentReverseEngineering    Intent = "reverse_engineering"
	IntentThreatIntelligence    Intent = "threat_intelligence"
	IntentSoftwareAudit         Intent = "software_audit"
	IntentPerformanceAnalysis   Intent = "performance_analysis"
	IntentAcademicResearch      Intent = "academic_research"
)

// IsValid reports membership in the closed intent set. The empty intent is
// valid and carries no bias.
func (i Intent) IsValid() bool {
	switch i {
	case "", IntentMalwareAnalysis, IntentVulnerabilityResearch, IntentReverseEngineering,
		IntentThreatIntelligence, IntentSoftwareAudit, IntentPerformanceAnalysis,
		IntentAcademicResearch:
		return true
	}
	return false
}

// intentProfile maps an intent to its preferred quality and per-operation
// specialization.
type intentProfile struct {
	quality        QualityLevel
	specialization map[types.Operation]string
}

var intentProfiles = map[Intent]intentProfile{
	IntentMalwareAnalysis: {
		quality: QualityComprehensive,
		specialization: map[types.Operation]string{
			types.OpTranslateFunction: SpecSecurity,
			types.OpOverallSummary:    SpecSecurity,
		},
	},
	IntentVulnerabilityResearch: {
		quality: QualityComprehensive,
		specialization: map[types.Operation]string{
			types.OpTranslateFunction: SpecSecurity,
			types.OpOverallSummary:    SpecSecurity,
		},
	},
	IntentThreatIntelligence: {
		quality: QualityStandard,
		specialization: map[types.Operation]string{
			types.OpOverallSummary: SpecSecurity,
		},
	},
	IntentSoftwareAudit: {
		quality: QualityStandard,
		specialization: map[types.Operation]string{
			types.OpTranslateFunction: SpecSecurity,
		},
	},
	IntentPerformanceAnalysis: {
		quality: QualityStandard,
		specialization: map[types.Operation]string{
			types.OpTranslateFunction: SpecPerformance,
		},
	},
	IntentReverseEngineering: {quality: QualityStandard},
	IntentAcademicResearch:   {quality: QualityBrief},
}

// Characteristics are derived once from the artifact set and may upgrade
// quality or switch specialization.
type Characteristics struct {
	HighFunctionCount bool
	SuspiciousAPIs    bool
	ObfuscatedStrings bool
	SIMDPatterns      bool
}

// suspiciousAPIs are symbols commonly seen in injection, persistence, and
// anti-analysis code.
var suspiciousAPIs = map[string]bool{
	"virtualalloc": true, "virtualallocex": true, "virtualprotect": true,
	"writeprocessmemory": true, "readprocessmemory": true, "createremotethread": true,
	"setwindowshookex": true, "ntunmapviewofsection": true, "queueuserapc": true,
	"urldownloadtofile": true, "winexec": true, "shellexecute": true, "shellexecutea": true,
	"isdebuggerpresent": true, "checkremotedebuggerpresent": true, "adjusttokenprivileges": true,
	"regsetvalue": true, "regsetvaluea": true, "regsetvalueexa": true,
	"cryptencrypt": true, "cryptdecrypt": true,
	"ptrace": true, "mprotect": true, "memfd_create": true, "execve": true, "fork": true,
}

var (
	base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=]{24,}$`)
	simdPattern   = regexp.MustCompile(`\b(xmm|ymm|zmm|_mm_|_mm256_|vpx?or|paddd|pmulld)\w*`)
)

// DeriveCharacteristics computes the data characteristics of an artifact set.
func DeriveCharacteristics(set *models.ArtifactSet) Characteristics {
	var c Characteristics
	c.HighFunctionCount = len(set.Functions) > 200

	for _, imp := range set.Imports {
		if suspiciousAPIs[strings.ToLower(imp.Symbol)] {
			c.SuspiciousAPIs = true
			break
		}
	}

	if n := len(set.Strings); n > 0 {
		encoded := 0
		for _, s := range set.Strings {
			if base64Pattern.MatchString(s.Value) {
				encoded++
			}
		}
		c.ObfuscatedStrings = float64(encoded)/float64(n) > 0.3
	}

	for _, fn := range set.Functions {
		if simdPattern.MatchString(fn.DecompiledCode) {
			c.SIMDPatterns = true
			break
		}
	}
	return c
}

// caps bound context size per quality level.
type caps struct {
	relatedFunctions int
	relevantImports  int
	sampleStrings    int
	codeChars        int
	functionNames    int
	libraries        int
}

var qualityCaps = map[QualityLevel]caps{
	QualityBrief:         {relatedFunctions: 3, relevantImports: 5, sampleStrings: 10, codeChars: 2000, functionNames: 10, libraries: 10},
	QualityStandard:      {relatedFunctions: 5, relevantImports: 10, sampleStrings: 20, codeChars: 4000, functionNames: 20, libraries: 20},
	QualityComprehensive: {relatedFunctions: 10, relevantImports: 20, sampleStrings: 40, codeChars: 8000, functionNames: 40, libraries: 30},
}

// Builder resolves (intent, characteristics) to an effective quality and
// specialization, crops context to the quality caps, and renders bundles.
type Builder struct {
	registry *Registry
}

// NewBuilder builds a Builder over the built-in template registry.
func NewBuilder() (*Builder, error) {
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	return &Builder{registry: reg}, nil
}

// Resolve returns the effective quality and per-operation specialization for
// an intent over the observed characteristics. Characteristics only ever
// upgrade quality; suspicious APIs force the security specialization for
// function and summary prompts.
func (b *Builder) Resolve(intent Intent, chars Characteristics) (QualityLevel, map[types.Operation]string) {
	quality := QualityStandard
	spec := map[types.Operation]string{}

	if profile, ok := intentProfiles[intent]; ok {
		quality = profile.quality
		for op, s := range profile.specialization {
			spec[op] = s
		}
	}

	if chars.SuspiciousAPIs {
		spec[types.OpTranslateFunction] = SpecSecurity
		spec[types.OpOverallSummary] = SpecSecurity
		if QualityComprehensive.rank() > quality.rank() {
			quality = QualityComprehensive
		}
	}
	if chars.SIMDPatterns && spec[types.OpTranslateFunction] == "" {
		spec[types.OpTranslateFunction] = SpecPerformance
	}
	return quality, spec
}

// functionContext is the template context for one function prompt.
type functionContext struct {
	Filename       string
	Format         models.FileFormat
	Architecture   string
	Name           string
	Address        string
	Size           int
	Signature      string
	Code           string
	CallsTo        []string
	CalledBy       []string
	RelatedImports []string
}

// FunctionBundle renders the prompt for one function translation.
func (b *Builder) FunctionBundle(fn models.FunctionArtifact, set *models.ArtifactSet, quality QualityLevel, specialization string) (types.PromptBundle, error) {
	limit := qualityCaps[quality]

	ctx := functionContext{
		Filename:     set.FileInfo.Filename,
		Format:       set.FileInfo.Format,
		Architecture: set.FileInfo.Architecture,
		Name:         fn.Name,
		Address:      fn.Address,
		Size:         fn.Size,
		Signature:    fn.Signature,
		Code:         crop(fn.DecompiledCode, limit.codeChars),
		CallsTo:      cropList(fn.CallsTo, limit.relatedFunctions),
		CalledBy:     cropList(fn.CalledBy, limit.relatedFunctions),
	}

	used := []string{"file_info", "code"}
	if len(ctx.CallsTo) > 0 || len(ctx.CalledBy) > 0 {
		used = append(used, "call_graph")
	}
	if imports := relevantImports(fn, set.Imports, limit.relevantImports); len(imports) > 0 {
		ctx.RelatedImports = imports
		used = append(used, "imports")
	}

	return b.registry.Render(types.OpTranslateFunction, quality, specialization, ctx, used)
}

// listContext is the template context for import and string prompts. The
// item list itself is appended by the adapter.
type listContext struct {
	Filename       string
	Format         models.FileFormat
	SuspiciousAPIs bool
	Obfuscated     bool
}

// ImportsBundle renders the prompt preamble for the import explanation call.
func (b *Builder) ImportsBundle(set *models.ArtifactSet, quality QualityLevel, chars Characteristics) (types.PromptBundle, error) {
	ctx := listContext{
		Filename:       set.FileInfo.Filename,
		Format:         set.FileInfo.Format,
		SuspiciousAPIs: chars.SuspiciousAPIs,
	}
	return b.registry.Render(types.OpExplainImports, quality, "", ctx, []string{"file_info"})
}

// StringsBundle renders the prompt preamble for the string interpretation call.
func (b *Builder) StringsBundle(set *models.ArtifactSet, quality QualityLevel, chars Characteristics) (types.PromptBundle, error) {
	ctx := listContext{
		Filename:   set.FileInfo.Filename,
		Format:     set.FileInfo.Format,
		Obfuscated: chars.ObfuscatedStrings,
	}
	return b.registry.Render(types.OpInterpretStrings, quality, "", ctx, []string{"file_info"})
}

// Digest crops the artifact set to the whole-program view used for the
// summary prompt.
func (b *Builder) Digest(set *models.ArtifactSet, quality QualityLevel) types.ArtifactDigest {
	limit := qualityCaps[quality]

	names := make([]string, 0, limit.functionNames)
	for _, fn := range set.Functions {
		if len(names) == limit.functionNames {
			break
		}
		names = append(names, fn.Name)
	}

	seen := map[string]bool{}
	libraries := []string{}
	for _, imp := range set.Imports {
		if len(libraries) == limit.libraries {
			break
		}
		if !seen[imp.Library] {
			seen[imp.Library] = true
			libraries = append(libraries, imp.Library)
		}
	}

	samples := make([]string, 0, limit.sampleStrings)
	for _, s := range set.Strings {
		if len(samples) == limit.sampleStrings {
			break
		}
		samples = append(samples, crop(s.Value, 120))
	}

	return types.ArtifactDigest{
		FileInfo:      set.FileInfo,
		FunctionNames: names,
		Libraries:     libraries,
		SampleStrings: samples,
		FunctionCount: len(set.Functions),
		ImportCount:   len(set.Imports),
		StringCount:   len(set.Strings),
	}
}

// summaryContext is the template context for the summary prompt.
type summaryContext struct {
	Filename      string
	Format        models.FileFormat
	Architecture  string
	SizeBytes     int64
	FunctionNames []string
	Libraries     []string
	SampleStrings []string
	FunctionCount int
	ImportCount   int
	StringCount   int
}

// SummaryBundle renders the whole-program summary prompt from a digest.
func (b *Builder) SummaryBundle(digest types.ArtifactDigest, quality QualityLevel, specialization string) (types.PromptBundle, error) {
	ctx := summaryContext{
		Filename:      digest.FileInfo.Filename,
		Format:        digest.FileInfo.Format,
		Architecture:  digest.FileInfo.Architecture,
		SizeBytes:     digest.FileInfo.SizeBytes,
		FunctionNames: digest.FunctionNames,
		Libraries:     digest.Libraries,
		SampleStrings: digest.SampleStrings,
		FunctionCount: digest.FunctionCount,
		ImportCount:   digest.ImportCount,
		StringCount:   digest.StringCount,
	}
	used := []string{"file_info", "function_names", "libraries", "strings_sample"}
	return b.registry.Render(types.OpOverallSummary, quality, specialization, ctx, used)
}

// relevantImports returns imports whose symbols appear in the function's
// code or call list, capped at n.
func relevantImports(fn models.FunctionArtifact, imports []models.ImportArtifact, n int) []string {
	code := strings.ToLower(fn.DecompiledCode)
	calls := map[string]bool{}
	for _, c := range fn.CallsTo {
		calls[strings.ToLower(c)] = true
	}

	out := []string{}
	for _, imp := range imports {
		if len(out) == n {
			break
		}
		symbol := strings.ToLower(imp.Symbol)
		if symbol == "" {
			continue
		}
		if calls[symbol] || strings.Contains(code, symbol) {
			out = append(out, imp.Symbol)
		}
	}
	return out
}

func crop(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func cropList(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
