package models

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// AnalysisDepth controls how much of the binary is decompiled and translated.
type AnalysisDepth string

const (
	DepthQuick         AnalysisDepth = "quick"
	DepthStandard      AnalysisDepth = "standard"
	DepthComprehensive AnalysisDepth = "comprehensive"
	DepthDeep          AnalysisDepth = "deep"
)

// IsValid reports membership in the closed depth set.
func (d AnalysisDepth) IsValid() bool {
	switch d {
	case DepthQuick, DepthStandard, DepthComprehensive, DepthDeep:
		return true
	}
	return false
}

// TTLMultiplier scales the base cache TTL by depth: deeper analyses are more
// expensive to recompute and cache longer.
func (d AnalysisDepth) TTLMultiplier() float64 {
	switch d {
	case DepthQuick:
		return 0.5
	case DepthComprehensive:
		return 2.0
	case DepthDeep:
		return 3.0
	default:
		return 1.0
	}
}

// FileFormat is the detected executable container format.
type FileFormat string

const (
	FormatPE    FileFormat = "pe"
	FormatELF   FileFormat = "elf"
	FormatMachO FileFormat = "macho"
	FormatDEX   FileFormat = "dex"
	FormatJava  FileFormat = "java"
	FormatWASM  FileFormat = "wasm"
	FormatRaw   FileFormat = "raw"
)

// IsValid reports membership in the closed format set.
func (f FileFormat) IsValid() bool {
	switch f {
	case FormatPE, FormatELF, FormatMachO, FormatDEX, FormatJava, FormatWASM, FormatRaw:
		return true
	}
	return false
}

// AnalysisConfig bounds one decompilation+translation run. Only the fields in
// NormalizedSubset participate in the cache fingerprint.
type AnalysisConfig struct {
	Depth            AnalysisDepth `json:"depth"`
	ExtractFunctions bool          `json:"extract_functions"`
	ExtractImports   bool          `json:"extract_imports"`
	ExtractStrings   bool          `json:"extract_strings"`
	MaxFunctions     int           `json:"max_functions"`
	MaxStrings       int           `json:"max_strings"`
	TimeoutSeconds   int           `json:"timeout_seconds"`
	LLMProvider      string        `json:"llm_provider,omitempty"`
	LLMModel         string        `json:"llm_model,omitempty"`
	FocusAreas       []string      `json:"focus_areas,omitempty"`
	AnalysisIntent   string        `json:"analysis_intent,omitempty"`
}

// DefaultAnalysisConfig returns the standard-depth configuration.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		Depth:            DepthStandard,
		ExtractFunctions: true,
		ExtractImports:   true,
		ExtractStrings:   true,
		MaxFunctions:     100,
		MaxStrings:       200,
		TimeoutSeconds:   300,
	}
}

// Validate checks bounds on the analysis configuration.
func (c *AnalysisConfig) Validate(maxTimeout int) error {
	if !c.Depth.IsValid() {
		return ValidationError("depth", fmt.Sprintf("unknown analysis depth %q", c.Depth))
	}
	if !c.ExtractFunctions && !c.ExtractImports && !c.ExtractStrings {
		return ValidationError("analysis_config", "at least one extraction category must be enabled")
	}
	if c.MaxFunctions < 0 || c.MaxFunctions > 10000 {
		return ValidationError("max_functions", "must be between 0 and 10000")
	}
	if c.MaxStrings < 0 || c.MaxStrings > 50000 {
		return ValidationError("max_strings", "must be between 0 and 50000")
	}
	if c.TimeoutSeconds <= 0 {
		return ValidationError("timeout_seconds", "must be positive")
	}
	if maxTimeout > 0 && c.TimeoutSeconds > maxTimeout {
		return ValidationError("timeout_seconds", fmt.Sprintf("exceeds maximum of %d seconds", maxTimeout))
	}
	return nil
}

// JobCreationRequest is the body of POST /jobs.
type JobCreationRequest struct {
	FileReference string            `json:"file_reference"`
	Filename      string            `json:"filename"`
	Priority      JobPriority       `json:"priority,omitempty"`
	Config        AnalysisConfig    `json:"analysis_config"`
	CallbackURL   string            `json:"callback_url,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the admission-time invariants. allowPrivateCallbacks relaxes
// the SSRF guard on callback targets (local development only).
func (r *JobCreationRequest) Validate(maxTimeout int, allowPrivateCallbacks bool) error {
	if r.FileReference == "" {
		return ValidationError("file_reference", "file reference is required")
	}
	if !strings.HasPrefix(r.FileReference, "upload://") {
		return ValidationError("file_reference", "must be an upload:// reference")
	}
	if r.Filename == "" {
		return ValidationError("filename", "filename is required")
	}
	if len(r.Filename) > 255 || strings.ContainsAny(r.Filename, "/\\\x00") {
		return ValidationError("filename", "filename contains invalid characters")
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Priority.IsValid() {
		return ValidationError("priority", fmt.Sprintf("unknown priority %q", r.Priority))
	}
	if err := r.Config.Validate(maxTimeout); err != nil {
		return err
	}
	if r.CallbackURL != "" {
		if err := validateCallbackURL(r.CallbackURL, allowPrivateCallbacks); err != nil {
			return err
		}
	}
	return nil
}

// validateCallbackURL rejects non-HTTP schemes and, unless explicitly allowed,
// callbacks pointing at loopback or private address space.
func validateCallbackURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ValidationError("callback_url", "malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ValidationError("callback_url", "scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return ValidationError("callback_url", "missing host")
	}
	if allowPrivate {
		return nil
	}
	if host == "localhost" {
		return ValidationError("callback_url", "callback host may not be loopback")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ValidationError("callback_url", "callback host may not be a private or loopback address")
		}
	}
	return nil
}

// JobAction is a control operation on an existing job.
type JobAction string

const (
	ActionCancel JobAction = "cancel"
	ActionRetry  JobAction = "retry"
	ActionPause  JobAction = "pause"
	ActionResume JobAction = "resume"
	ActionReset  JobAction = "reset"
)

// IsValid reports membership in the closed action set.
func (a JobAction) IsValid() bool {
	switch a {
	case ActionCancel, ActionRetry, ActionPause, ActionResume, ActionReset:
		return true
	}
	return false
}

// JobActionRequest is the body of POST /jobs/{id}/actions.
type JobActionRequest struct {
	Action          JobAction   `json:"action"`
	Reason          string      `json:"reason,omitempty"`
	Force           bool        `json:"force,omitempty"`
	ResetRetryCount bool        `json:"reset_retry_count,omitempty"`
	NewPriority     JobPriority `json:"new_priority,omitempty"`
}

// Validate checks the action request shape.
func (r *JobActionRequest) Validate() error {
	if !r.Action.IsValid() {
		return ValidationError("action", fmt.Sprintf("unknown action %q", r.Action))
	}
	if r.Action == ActionReset && r.NewPriority != "" && !r.NewPriority.IsValid() {
		return ValidationError("new_priority", fmt.Sprintf("unknown priority %q", r.NewPriority))
	}
	return nil
}

// JobActionResponse reports the outcome of a control operation.
type JobActionResponse struct {
	Success        bool      `json:"success"`
	JobID          string    `json:"job_id"`
	Action         JobAction `json:"action"`
	PreviousStatus JobStatus `json:"previous_status"`
	NewStatus      JobStatus `json:"new_status"`
	Message        string    `json:"message,omitempty"`
}
