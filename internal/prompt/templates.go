// Package prompt builds bounded template contexts and renders the prompts
// the provider adapters send. Adapters never author prompt text; everything
// they send originates here.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/binsight/binsight-ai/internal/llm/types"
)

// QualityLevel controls how much context a prompt carries.
type QualityLevel string

const (
	QualityBrief         QualityLevel = "brief"
	QualityStandard      QualityLevel = "standard"
	QualityComprehensive QualityLevel = "comprehensive"
)

// IsValid reports membership in the closed quality set.
func (q QualityLevel) IsValid() bool {
	switch q {
	case QualityBrief, QualityStandard, QualityComprehensive:
		return true
	}
	return false
}

// rank orders qualities so characteristic-driven upgrades never downgrade.
func (q QualityLevel) rank() int {
	switch q {
	case QualityBrief:
		return 0
	case QualityComprehensive:
		return 2
	default:
		return 1
	}
}

// SpecSecurity is the security-focused template specialization.
const SpecSecurity = "security"

// SpecPerformance is the performance-focused template specialization.
const SpecPerformance = "performance"

// templateKey identifies one registered template.
type templateKey struct {
	op             types.Operation
	quality        QualityLevel
	specialization string
	version        int
}

// Registry maps (operation, quality, specialization, version) to parsed
// templates. For every (operation, quality) a generic template exists;
// specialized lookups fall back to it.
type Registry struct {
	templates map[templateKey]*template.Template
	systems   map[types.Operation]string
	latest    map[templateKey]int // key with version 0 → highest version
}

// NewRegistry parses the built-in template set.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		templates: make(map[templateKey]*template.Template),
		systems:   make(map[types.Operation]string),
		latest:    make(map[templateKey]int),
	}
	for op, text := range systemPrompts {
		r.systems[op] = text
	}
	for _, def := range builtinTemplates {
		if err := r.register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type templateDef struct {
	op             types.Operation
	quality        QualityLevel
	specialization string
	version        int
	body           string
}

func (r *Registry) register(def templateDef) error {
	name := fmt.Sprintf("%s/%s/%s/v%d", def.op, def.quality, def.specialization, def.version)
	tmpl, err := template.New(name).Funcs(template.FuncMap{"join": strings.Join}).Parse(def.body)
	if err != nil {
		return fmt.Errorf("parsing template %s: %w", name, err)
	}
	key := templateKey{op: def.op, quality: def.quality, specialization: def.specialization, version: def.version}
	r.templates[key] = tmpl

	base := key
	base.version = 0
	if def.version > r.latest[base] {
		r.latest[base] = def.version
	}
	return nil
}

// lookup resolves the latest template for the key, falling back to the
// generic template for the same (operation, quality).
func (r *Registry) lookup(op types.Operation, quality QualityLevel, specialization string) (*template.Template, error) {
	for _, spec := range []string{specialization, ""} {
		base := templateKey{op: op, quality: quality, specialization: spec}
		if v := r.latest[base]; v > 0 {
			base.version = v
			return r.templates[base], nil
		}
	}
	return nil, fmt.Errorf("no template registered for %s/%s", op, quality)
}

// Render produces the prompt bundle for one operation.
func (r *Registry) Render(op types.Operation, quality QualityLevel, specialization string, ctx any, contextUsed []string) (types.PromptBundle, error) {
	tmpl, err := r.lookup(op, quality, specialization)
	if err != nil {
		return types.PromptBundle{}, err
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return types.PromptBundle{}, fmt.Errorf("rendering %s prompt: %w", op, err)
	}
	return types.PromptBundle{
		System:      r.systems[op],
		Prompt:      buf.String(),
		ContextUsed: contextUsed,
		Quality:     string(quality),
	}, nil
}

var systemPrompts = map[types.Operation]string{
	types.OpTranslateFunction: "You are an expert reverse engineer. You translate decompiled code into " +
		"precise natural-language descriptions. Respond with a JSON object with keys: description, " +
		"parameters, return_value, security_notes, performance_notes.",
	types.OpExplainImports: "You are an expert reverse engineer. You explain imported symbols found in " +
		"binaries. Respond with a JSON array; one object per import with keys: library, symbol, purpose, " +
		"typical_usage, security_implications, alternatives.",
	types.OpInterpretStrings: "You are an expert reverse engineer. You interpret string literals " +
		"extracted from binaries. Respond with a JSON array; one object per string with keys: value, " +
		"interpretation, usage_context, security_note.",
	types.OpOverallSummary: "You are an expert reverse engineer. You summarize whole programs from their " +
		"artifacts. Respond with a JSON object with keys: purpose, functionality, architecture, data_flow, " +
		"security_posture, technology_stack, key_insights, risk_assessment " +
		"(an object with level, score, findings).",
}

const functionBody = `Translate this decompiled function into natural language.

File: {{.Filename}} ({{.Format}}{{if .Architecture}}, {{.Architecture}}{{end}})
Function: {{.Name}} at {{.Address}} ({{.Size}} bytes)
{{- if .Signature}}
Signature: {{.Signature}}
{{- end}}
{{- if .CallsTo}}
Calls: {{join .CallsTo ", "}}
{{- end}}
{{- if .CalledBy}}
Called by: {{join .CalledBy ", "}}
{{- end}}
{{- if .RelatedImports}}
Imports referenced nearby: {{join .RelatedImports ", "}}
{{- end}}

Decompiled code:
{{.Code}}`

const functionBodySecurity = `Analyze this decompiled function with a security focus: identify memory
safety issues, injection points, privilege operations, and anti-analysis tricks alongside the
functional translation.

File: {{.Filename}} ({{.Format}}{{if .Architecture}}, {{.Architecture}}{{end}})
Function: {{.Name}} at {{.Address}} ({{.Size}} bytes)
{{- if .Signature}}
Signature: {{.Signature}}
{{- end}}
{{- if .CallsTo}}
Calls: {{join .CallsTo ", "}}
{{- end}}
{{- if .RelatedImports}}
Imports referenced nearby: {{join .RelatedImports ", "}}
{{- end}}

Decompiled code:
{{.Code}}`

const functionBodyPerformance = `Analyze this decompiled function with a performance focus: identify hot
loops, allocation patterns, vectorization, and algorithmic complexity alongside the functional
translation.

File: {{.Filename}} ({{.Format}}{{if .Architecture}}, {{.Architecture}}{{end}})
Function: {{.Name}} at {{.Address}} ({{.Size}} bytes)
{{- if .CallsTo}}
Calls: {{join .CallsTo ", "}}
{{- end}}

Decompiled code:
{{.Code}}`

const importsBody = `Explain the purpose of the imports listed below, as used by this binary.

File: {{.Filename}} ({{.Format}})
{{- if .SuspiciousAPIs}}
Note: the import set contains APIs commonly seen in malicious tooling; flag their implications.
{{- end}}`

const stringsBody = `Interpret the string literals listed below, extracted from this binary.

File: {{.Filename}} ({{.Format}})
{{- if .Obfuscated}}
Note: a large share of the strings look encoded or obfuscated; identify likely encodings.
{{- end}}`

const summaryBody = `Summarize the purpose and behavior of this program from its artifacts.

File: {{.Filename}} ({{.Format}}{{if .Architecture}}, {{.Architecture}}{{end}}, {{.SizeBytes}} bytes)
Functions: {{.FunctionCount}} total{{if .FunctionNames}}; notable: {{join .FunctionNames ", "}}{{end}}
Imports: {{.ImportCount}} total{{if .Libraries}}; libraries: {{join .Libraries ", "}}{{end}}
Strings: {{.StringCount}} total
{{- if .SampleStrings}}
Sample strings:
{{- range .SampleStrings}}
  {{.}}
{{- end}}
{{- end}}`

const summaryBodySecurity = `Assess this program from its artifacts with a security focus: classify
likely intent, enumerate risky capabilities, and justify the risk level.

File: {{.Filename}} ({{.Format}}{{if .Architecture}}, {{.Architecture}}{{end}}, {{.SizeBytes}} bytes)
Functions: {{.FunctionCount}} total{{if .FunctionNames}}; notable: {{join .FunctionNames ", "}}{{end}}
Imports: {{.ImportCount}} total{{if .Libraries}}; libraries: {{join .Libraries ", "}}{{end}}
Strings: {{.StringCount}} total
{{- if .SampleStrings}}
Sample strings:
{{- range .SampleStrings}}
  {{.}}
{{- end}}
{{- end}}`

// builtinTemplates is the registered set. Every (operation, quality) pair
// has a generic entry; specializations are sparse.
var builtinTemplates = buildDefs()

func buildDefs() []templateDef {
	qualities := []QualityLevel{QualityBrief, QualityStandard, QualityComprehensive}
	var defs []templateDef
	add := func(op types.Operation, spec, body string) {
		for _, q := range qualities {
			defs = append(defs, templateDef{op: op, quality: q, specialization: spec, version: 1, body: body})
		}
	}
	add(types.OpTranslateFunction, "", functionBody)
	add(types.OpTranslateFunction, SpecSecurity, functionBodySecurity)
	add(types.OpTranslateFunction, SpecPerformance, functionBodyPerformance)
	add(types.OpExplainImports, "", importsBody)
	add(types.OpInterpretStrings, "", stringsBody)
	add(types.OpOverallSummary, "", summaryBody)
	add(types.OpOverallSummary, SpecSecurity, summaryBodySecurity)
	return defs
}
