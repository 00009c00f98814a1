// Package decompiler invokes the external reverse-engineering engine and
// normalizes its artifact dump. The engine itself is opaque: a command that
// reads a binary and emits a JSON artifact set on stdout.
package decompiler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

// Decompiler produces an artifact set for one binary.
type Decompiler interface {
	Decompile(ctx context.Context, path string, cfg models.AnalysisConfig) (*models.ArtifactSet, error)
}

// Config configures the external engine invocation.
type Config struct {
	// Command is the engine executable.
	Command string
	// Args are fixed arguments placed before the generated ones.
	Args []string
	// Timeout bounds one engine run; the per-job timeout still applies via ctx.
	Timeout time.Duration
}

// Engine shells out to the configured decompilation command.
type Engine struct {
	cfg Config
	log *zap.Logger
}

// New builds an Engine.
func New(cfg Config, log *zap.Logger) (*Engine, error) {
	if cfg.Command == "" {
		return nil, models.ValidationError("engine_command", "decompiler command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Engine{cfg: cfg, log: log}, nil
}

// Decompile runs the engine over the binary at path and returns the
// normalized artifact set.
func (e *Engine) Decompile(ctx context.Context, path string, cfg models.AnalysisConfig) (*models.ArtifactSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.WrapError(models.KindUnprocessable, "unable to read binary", err)
	}

	format, confidence := DetectFormat(data)
	sum := sha256.Sum256(data)
	fileHash := "sha256:" + hex.EncodeToString(sum[:])

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	set, err := e.run(ctx, path, cfg)
	elapsed := time.Since(start)
	metrics.DecompilationDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.DecompilationsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, err
	}
	metrics.DecompilationsTotal.WithLabelValues(string(format), "success").Inc()

	normalize(set, cfg)
	set.FileInfo.FileHash = fileHash
	set.FileInfo.Format = format
	set.FileInfo.FormatConfidence = confidence
	set.FileInfo.SizeBytes = int64(len(data))
	if confidence < MinFormatConfidence {
		set.FileInfo.Warnings = append(set.FileInfo.Warnings,
			fmt.Sprintf("low-confidence format detection: %s at %.2f", format, confidence))
	}

	e.log.Info("decompilation complete",
		zap.String("format", string(format)),
		zap.Int("functions", len(set.Functions)),
		zap.Int("imports", len(set.Imports)),
		zap.Int("strings", len(set.Strings)),
		zap.Duration("elapsed", elapsed))
	return set, nil
}

func (e *Engine) run(ctx context.Context, path string, cfg models.AnalysisConfig) (*models.ArtifactSet, error) {
	args := append([]string{}, e.cfg.Args...)
	args = append(args,
		"--depth", string(cfg.Depth),
		"--max-functions", strconv.Itoa(cfg.MaxFunctions),
		"--max-strings", strconv.Itoa(cfg.MaxStrings),
		"--functions="+strconv.FormatBool(cfg.ExtractFunctions),
		"--imports="+strconv.FormatBool(cfg.ExtractImports),
		"--strings="+strconv.FormatBool(cfg.ExtractStrings),
		path,
	)

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, models.WrapError(models.KindTimeout, "decompilation timed out", ctx.Err())
		}
		msg := firstLine(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, models.NewError(models.KindUnprocessable, "decompilation failed: "+msg)
	}

	var set models.ArtifactSet
	if err := json.Unmarshal(stdout.Bytes(), &set); err != nil {
		return nil, models.WrapError(models.KindUnprocessable, "engine produced malformed artifact dump", err)
	}
	return &set, nil
}

// normalize canonicalizes addresses, drops disabled categories, and applies
// the configured caps.
func normalize(set *models.ArtifactSet, cfg models.AnalysisConfig) {
	if !cfg.ExtractFunctions {
		set.Functions = nil
	}
	if !cfg.ExtractImports {
		set.Imports = nil
	}
	if !cfg.ExtractStrings {
		set.Strings = nil
	}
	if cfg.MaxFunctions > 0 && len(set.Functions) > cfg.MaxFunctions {
		set.Functions = set.Functions[:cfg.MaxFunctions]
	}
	if cfg.MaxStrings > 0 && len(set.Strings) > cfg.MaxStrings {
		set.Strings = set.Strings[:cfg.MaxStrings]
	}

	for i := range set.Functions {
		if addr, err := models.CanonicalAddress(set.Functions[i].Address); err == nil {
			set.Functions[i].Address = addr
		}
	}
	for i := range set.Imports {
		if set.Imports[i].Address == "" {
			continue
		}
		if addr, err := models.CanonicalAddress(set.Imports[i].Address); err == nil {
			set.Imports[i].Address = addr
		}
	}
	for i := range set.Strings {
		if set.Strings[i].Address == "" {
			continue
		}
		if addr, err := models.CanonicalAddress(set.Strings[i].Address); err == nil {
			set.Strings[i].Address = addr
		}
	}
	if entry, err := models.CanonicalAddress(set.FileInfo.Entrypoint); err == nil {
		set.FileInfo.Entrypoint = entry
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
