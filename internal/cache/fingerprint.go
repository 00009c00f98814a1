package cache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/binsight/binsight-ai/internal/models"
)

// maxKeyLength is the point past which cache keys are replaced with a
// SHA-256-derived alias. Redis tolerates long keys; this guards pathological
// hash inputs.
const maxKeyLength = 200

// Fingerprint identifies one (file, normalized config) pair. Only config
// fields that affect decompilation+translation output participate.
type Fingerprint struct {
	FileHash   string
	ConfigHash string
}

// NewFingerprint computes the fingerprint for a file hash and config.
// The hash input is a canonical JSON object: Go's json.Marshal emits map
// keys in sorted order, so field arrival order can never change the digest.
func NewFingerprint(fileHash string, cfg models.AnalysisConfig) Fingerprint {
	subset := map[string]any{
		"file_hash":         fileHash,
		"depth":             string(cfg.Depth),
		"extract_functions": cfg.ExtractFunctions,
		"extract_imports":   cfg.ExtractImports,
		"extract_strings":   cfg.ExtractStrings,
		"max_functions":     cfg.MaxFunctions,
		"max_strings":       cfg.MaxStrings,
		"llm_provider":      cfg.LLMProvider,
		"llm_model":         cfg.LLMModel,
	}
	canonical, _ := json.Marshal(subset)
	sum := md5.Sum(canonical)
	return Fingerprint{
		FileHash:   fileHash,
		ConfigHash: hex.EncodeToString(sum[:8]), // 16 hex digits
	}
}

// Key returns the cache key for this fingerprint. Collision resistance is
// carried by the full file hash stored inside the envelope; the truncated
// prefix only scopes the keyspace.
func (f Fingerprint) Key() string {
	key := "result:" + hashDigest(f.FileHash, 16) + ":" + f.ConfigHash
	if len(key) > maxKeyLength {
		alias := sha256.Sum256([]byte(key))
		key = "result:alias:" + hex.EncodeToString(alias[:16])
	}
	return key
}

// FileSetKey is the set of cache keys stored for a file.
func FileSetKey(fileHash string) string { return "file:results:" + fileHash }

// TagSetKey is the set of cache keys carrying a tag.
func TagSetKey(tag string) string { return "tag:results:" + tag }

// hashDigest returns the first n characters of the hex digest portion of an
// "algorithm:hex" hash, or of the raw string when unprefixed.
func hashDigest(fileHash string, n int) string {
	digest := fileHash
	if h, err := models.ParseFileHash(fileHash); err == nil {
		digest = h.Value
	}
	if len(digest) > n {
		digest = digest[:n]
	}
	return digest
}

// TagsFor derives the invalidation tag set for a stored entry.
func TagsFor(cfg models.AnalysisConfig, format models.FileFormat) []string {
	tags := []string{"depth:" + string(cfg.Depth)}
	if cfg.ExtractFunctions {
		tags = append(tags, "extract:functions")
	}
	if cfg.ExtractImports {
		tags = append(tags, "extract:imports")
	}
	if cfg.ExtractStrings {
		tags = append(tags, "extract:strings")
	}
	if cfg.LLMProvider != "" {
		tags = append(tags, "llm:"+cfg.LLMProvider)
	}
	if format != "" {
		tags = append(tags, "format:"+string(format))
	}
	return tags
}
