package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Recognized hash algorithms for file identity, keyed by expected hex length.
var hashAlgorithms = map[string]int{
	"md5":    32,
	"sha1":   40,
	"sha256": 64,
	"sha512": 128,
}

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// FileHash is a file identity in "algorithm:hexvalue" form, e.g.
// "sha256:9f86d0...". Construct via ParseFileHash; the zero value is invalid.
type FileHash struct {
	Algorithm string
	Value     string
}

// ParseFileHash validates and canonicalizes an "algorithm:hexvalue" string.
// The hex part is lowercased; unknown algorithms and malformed hex are rejected.
func ParseFileHash(s string) (FileHash, error) {
	algo, value, ok := strings.Cut(s, ":")
	if !ok {
		return FileHash{}, ValidationError("file_hash", "must be of form algorithm:hexvalue")
	}
	algo = strings.ToLower(algo)
	wantLen, known := hashAlgorithms[algo]
	if !known {
		return FileHash{}, ValidationError("file_hash", fmt.Sprintf("unrecognized hash algorithm %q", algo))
	}
	value = strings.ToLower(value)
	if len(value) != wantLen {
		return FileHash{}, ValidationError("file_hash", fmt.Sprintf("%s digest must be %d hex characters", algo, wantLen))
	}
	if !hexPattern.MatchString(value) {
		return FileHash{}, ValidationError("file_hash", "digest contains non-hex characters")
	}
	return FileHash{Algorithm: algo, Value: value}, nil
}

func (h FileHash) String() string { return h.Algorithm + ":" + h.Value }

// IsZero reports whether the hash is unset.
func (h FileHash) IsZero() bool { return h.Algorithm == "" && h.Value == "" }

var addressPattern = regexp.MustCompile(`^(0[xX])?[0-9a-fA-F]+$`)

// CanonicalAddress normalizes a memory address to lowercase 0x-prefixed hex.
// Returns an error for anything that is not plain or 0x-prefixed hex.
func CanonicalAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || !addressPattern.MatchString(addr) {
		return "", ValidationError("address", fmt.Sprintf("invalid hex address %q", addr))
	}
	addr = strings.ToLower(addr)
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr, nil
}
