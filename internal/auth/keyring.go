package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/models"
)

// Keyring holds the known API keys and answers authentication requests.
// Keys are loaded from a JSON file at startup; minting appends and rewrites
// the file.
type Keyring struct {
	log  *zap.Logger
	path string
	now  func() time.Time

	mu   sync.RWMutex
	keys []*Key
}

// NewKeyring builds an empty keyring. path may be empty for a purely
// in-memory ring (tests, development).
func NewKeyring(path string, log *zap.Logger) *Keyring {
	return &Keyring{
		log:  log,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Load reads the key file. A missing file is not an error; the ring starts
// empty.
func (r *Keyring) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading key file: %w", err)
	}
	var keys []*Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parsing key file: %w", err)
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()

	r.log.Info("api keys loaded", zap.Int("count", len(keys)))
	return nil
}

// save rewrites the key file. Caller must hold the lock.
func (r *Keyring) saveLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o600)
}

// MintOptions are the optional attributes of a new key.
type MintOptions struct {
	IPWhitelist []string
	ExpiresAt   *time.Time
}

// Mint creates a new key and returns the plaintext exactly once. The stored
// record keeps only the hash and the identification prefix.
func (r *Keyring) Mint(name string, scopes []Scope, tier string, opts MintOptions) (string, *Key, error) {
	if len(scopes) == 0 {
		return "", nil, models.ValidationError("scopes", "at least one scope is required")
	}

	plaintext, hash, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}

	key := &Key{
		ID:          uuid.NewString(),
		Name:        name,
		Prefix:      KeyPrefix(plaintext),
		Hash:        hash,
		Scopes:      scopes,
		Tier:        tier,
		IPWhitelist: opts.IPWhitelist,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	if err := r.saveLocked(); err != nil {
		r.keys = r.keys[:len(r.keys)-1]
		return "", nil, fmt.Errorf("persisting key: %w", err)
	}

	r.log.Info("api key minted",
		zap.String("key_prefix", key.Prefix),
		zap.String("name", name),
		zap.String("tier", tier))
	return plaintext, key, nil
}

// Authenticate resolves a plaintext key presented from remoteIP. It returns
// the matching key record, or an authentication/authorization error.
func (r *Keyring) Authenticate(plaintext, remoteIP string) (*Key, error) {
	prefix := KeyPrefix(plaintext)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.keys {
		if key.Prefix != prefix {
			continue
		}
		if err := CheckKey(key.Hash, plaintext); err != nil {
			continue
		}

		switch {
		case key.Disabled:
			return nil, models.NewError(models.KindAuthentication, "api key disabled")
		case key.expired(r.now()):
			return nil, models.NewError(models.KindAuthentication, "api key expired")
		case !key.allowsIP(remoteIP):
			return nil, models.NewError(models.KindAuthorization, "source address not allowed for this key")
		}
		return key, nil
	}
	return nil, models.NewError(models.KindAuthentication, "invalid api key")
}

// Disable marks a key unusable by its id.
func (r *Keyring) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.keys {
		if key.ID == id {
			key.Disabled = true
			return r.saveLocked()
		}
	}
	return models.ErrNotFound
}

// Len returns the number of stored keys.
func (r *Keyring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
