// Package auth implements API key authentication: opaque bcrypt-hashed keys
// carrying scopes, a rate-limit tier, an optional IP whitelist, and an
// optional expiry. Plaintext keys are shown once at mint time; only the hash
// and a short identification prefix are stored.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/binsight/binsight-ai/internal/models"
)

const (
	bcryptCost = 12

	// keyPrefixLen covers "bsk_" plus five characters of the random part,
	// enough to identify a key in logs without revealing it.
	keyPrefixLen = 9
)

// Scope names one permitted operation class.
type Scope string

const (
	// ScopeSubmit allows creating jobs and uploading binaries.
	ScopeSubmit Scope = "submit"

	// ScopeRead allows reading jobs, results, and provider status.
	ScopeRead Scope = "read"

	// ScopeAdmin allows control actions, cache invalidation, and
	// rate-limit inspection. Admin implies every other scope.
	ScopeAdmin Scope = "admin"
)

// Key is one stored API key. The plaintext never appears here.
type Key struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	Hash        string     `json:"hash"`
	Scopes      []Scope    `json:"scopes"`
	Tier        string     `json:"tier"`
	IPWhitelist []string   `json:"ip_whitelist,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Disabled    bool       `json:"disabled,omitempty"`
}

// HasScope reports whether the key grants the scope. Admin grants all.
func (k *Key) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s || have == ScopeAdmin {
			return true
		}
	}
	return false
}

// allowsIP checks the whitelist. An empty whitelist allows any source.
// Entries are exact IPs or CIDR ranges.
func (k *Key) allowsIP(remoteIP string) bool {
	if len(k.IPWhitelist) == 0 {
		return true
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	for _, entry := range k.IPWhitelist {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// expired reports whether the key's expiry has passed.
func (k *Key) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// GenerateKey generates a secure random API key. Returns the plaintext (to be
// shown once) and its bcrypt hash.
func GenerateKey() (plaintext string, hash string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	plaintext = "bsk_" + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes)

	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return plaintext, string(b), nil
}

// CheckKey verifies a plaintext API key against a stored hash.
func CheckKey(hash, plaintext string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return models.NewError(models.KindAuthentication, "invalid api key")
	}
	return nil
}

// KeyPrefix returns the identification prefix of a plaintext key, safe for
// logs and lookups.
func KeyPrefix(plaintext string) string {
	if len(plaintext) < keyPrefixLen {
		return plaintext
	}
	return plaintext[:keyPrefixLen]
}
