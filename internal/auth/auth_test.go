package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/models"
)

func newTestRing(t *testing.T) *Keyring {
	t.Helper()
	return NewKeyring("", zap.NewNop())
}

func TestGenerateKeyShape(t *testing.T) {
	plaintext, hash, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, "bsk_"))
	assert.NotContains(t, hash, plaintext, "hash must not embed the plaintext")
	assert.NoError(t, CheckKey(hash, plaintext))
	assert.Error(t, CheckKey(hash, plaintext+"x"))

	assert.Len(t, KeyPrefix(plaintext), keyPrefixLen)
}

func TestMintAndAuthenticate(t *testing.T) {
	ring := newTestRing(t)

	plaintext, key, err := ring.Mint("ci-pipeline", []Scope{ScopeSubmit, ScopeRead}, "standard", MintOptions{})
	require.NoError(t, err)
	assert.Equal(t, KeyPrefix(plaintext), key.Prefix)
	assert.True(t, strings.HasPrefix(key.Hash, "$2a$"), "stored hash must be bcrypt")

	got, err := ring.Authenticate(plaintext, "198.51.100.4")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "standard", got.Tier)

	_, err = ring.Authenticate("bsk_wrongwrongwrong", "198.51.100.4")
	assert.Equal(t, models.KindAuthentication, models.KindOf(err))
}

func TestMintRequiresScopes(t *testing.T) {
	ring := newTestRing(t)
	_, _, err := ring.Mint("scopeless", nil, "basic", MintOptions{})
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestExpiredKeyDenied(t *testing.T) {
	ring := newTestRing(t)
	expiry := time.Now().Add(time.Hour).UTC()
	plaintext, _, err := ring.Mint("short-lived", []Scope{ScopeRead}, "basic", MintOptions{ExpiresAt: &expiry})
	require.NoError(t, err)

	_, err = ring.Authenticate(plaintext, "198.51.100.4")
	require.NoError(t, err)

	ring.now = func() time.Time { return expiry.Add(time.Minute) }
	_, err = ring.Authenticate(plaintext, "198.51.100.4")
	require.Error(t, err)
	assert.Equal(t, models.KindAuthentication, models.KindOf(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestDisabledKeyDenied(t *testing.T) {
	ring := newTestRing(t)
	plaintext, key, err := ring.Mint("revoked", []Scope{ScopeRead}, "basic", MintOptions{})
	require.NoError(t, err)

	require.NoError(t, ring.Disable(key.ID))
	_, err = ring.Authenticate(plaintext, "198.51.100.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	assert.ErrorIs(t, ring.Disable("missing"), models.ErrNotFound)
}

func TestIPWhitelist(t *testing.T) {
	ring := newTestRing(t)
	plaintext, _, err := ring.Mint("locked-down", []Scope{ScopeAdmin}, "enterprise", MintOptions{
		IPWhitelist: []string{"10.1.0.0/16", "203.0.113.7"},
	})
	require.NoError(t, err)

	for _, ip := range []string{"10.1.42.9", "203.0.113.7"} {
		_, err := ring.Authenticate(plaintext, ip)
		assert.NoError(t, err, ip)
	}

	_, err = ring.Authenticate(plaintext, "198.51.100.4")
	require.Error(t, err)
	assert.Equal(t, models.KindAuthorization, models.KindOf(err))
}

func TestScopes(t *testing.T) {
	reader := &Key{Scopes: []Scope{ScopeRead}}
	assert.True(t, reader.HasScope(ScopeRead))
	assert.False(t, reader.HasScope(ScopeSubmit))
	assert.False(t, reader.HasScope(ScopeAdmin))

	admin := &Key{Scopes: []Scope{ScopeAdmin}}
	for _, s := range []Scope{ScopeRead, ScopeSubmit, ScopeAdmin} {
		assert.True(t, admin.HasScope(s))
	}
}

func TestKeyringPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ring := NewKeyring(path, zap.NewNop())
	require.NoError(t, ring.Load())

	plaintext, _, err := ring.Mint("persisted", []Scope{ScopeSubmit}, "premium", MintOptions{})
	require.NoError(t, err)

	// The file must never contain the plaintext key.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), plaintext)
	assert.Contains(t, string(data), KeyPrefix(plaintext))

	// A fresh ring loaded from the same file authenticates the key.
	reloaded := NewKeyring(path, zap.NewNop())
	require.NoError(t, reloaded.Load())
	require.Equal(t, 1, reloaded.Len())

	got, err := reloaded.Authenticate(plaintext, "198.51.100.4")
	require.NoError(t, err)
	assert.Equal(t, "premium", got.Tier)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	ring := NewKeyring(filepath.Join(t.TempDir(), "absent.json"), zap.NewNop())
	require.NoError(t, ring.Load())
	assert.Equal(t, 0, ring.Len())
}

func TestContextRoundTrip(t *testing.T) {
	assert.Nil(t, KeyFromContext(context.Background()))

	key := &Key{ID: "k1", Tier: "basic"}
	ctx := WithKey(context.Background(), key)
	assert.Same(t, key, KeyFromContext(ctx))
}
