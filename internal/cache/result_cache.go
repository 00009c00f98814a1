// Package cache implements the fingerprint-keyed result cache over the
// shared KV store.
//
// Entries are immutable once written; invalidation is deletion, never
// mutation. Access counters are best-effort and eventually consistent:
// readers never wait on them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/kvstore"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

// SchemaVersion marks the envelope layout. Entries written under a
// different version are treated as absent and purged on first access.
const SchemaVersion = 2

const statsKey = "cache:stats"

// Envelope wraps a cached result with its bookkeeping fields.
type Envelope struct {
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	SchemaVersion int             `json:"schema_version"`
	Tags          []string        `json:"tag_set"`
	AccessCount   int64           `json:"access_count"`
	FileHash      string          `json:"file_hash"`
	ConfigHash    string          `json:"config_hash"`
}

// ResultCache stores decompilation+translation results keyed by fingerprint.
type ResultCache struct {
	store   *kvstore.Store
	baseTTL time.Duration
	log     *zap.Logger
}

// New creates a result cache. baseTTL is scaled per entry by the analysis
// depth's TTL multiplier.
func New(store *kvstore.Store, baseTTL time.Duration, log *zap.Logger) *ResultCache {
	return &ResultCache{store: store, baseTTL: baseTTL, log: log}
}

// Get returns the cached result for (fileHash, cfg) or models.ErrCacheMiss.
// Store failures are closed-fail: they surface as misses.
func (c *ResultCache) Get(ctx context.Context, fileHash string, cfg models.AnalysisConfig) (*models.DecompilationResult, error) {
	fp := NewFingerprint(fileHash, cfg)
	raw, err := c.store.Get(ctx, fp.Key())
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.log.Warn("cache read failed, treating as miss", zap.Error(err))
			metrics.CacheOps.WithLabelValues("error").Inc()
			c.bumpStat(ctx, "errors")
		} else {
			metrics.CacheOps.WithLabelValues("miss").Inc()
			c.bumpStat(ctx, "misses")
		}
		return nil, models.ErrCacheMiss
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Unreadable entry: purge and miss.
		_ = c.store.Delete(ctx, fp.Key())
		metrics.CacheOps.WithLabelValues("error").Inc()
		c.bumpStat(ctx, "errors")
		return nil, models.ErrCacheMiss
	}
	if env.SchemaVersion != SchemaVersion {
		c.purge(ctx, fp, env.Tags)
		metrics.CacheOps.WithLabelValues("miss").Inc()
		c.bumpStat(ctx, "misses")
		return nil, models.ErrCacheMiss
	}

	var result models.DecompilationResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		_ = c.store.Delete(ctx, fp.Key())
		metrics.CacheOps.WithLabelValues("error").Inc()
		return nil, models.ErrCacheMiss
	}

	metrics.CacheOps.WithLabelValues("hit").Inc()
	c.bumpStat(ctx, "hits")
	// Access count is fire-and-forget; a lost increment is acceptable.
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = c.store.HashIncr(bctx, statsKey, "accesses:"+fp.ConfigHash, 1)
	}()

	return &result, nil
}

// Set stores a result with depth-scaled TTL. ttlOverride, when positive,
// wins over the policy TTL. The envelope write and all set memberships go
// through one pipelined round-trip with matching TTLs.
func (c *ResultCache) Set(ctx context.Context, fileHash string, cfg models.AnalysisConfig, result *models.DecompilationResult, ttlOverride time.Duration) error {
	fp := NewFingerprint(fileHash, cfg)
	ttl := time.Duration(float64(c.baseTTL) * cfg.Depth.TTLMultiplier())
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: %v", kvstore.ErrSerialization, err)
	}
	now := time.Now().UTC()
	tags := TagsFor(cfg, result.FileInfo.Format)
	env := Envelope{
		Data:          data,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		SchemaVersion: SchemaVersion,
		Tags:          tags,
		FileHash:      fileHash,
		ConfigHash:    fp.ConfigHash,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", kvstore.ErrSerialization, err)
	}

	key := fp.Key()
	err = c.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, string(payload), ttl)
		pipe.SAdd(ctx, FileSetKey(fileHash), key)
		pipe.Expire(ctx, FileSetKey(fileHash), ttl)
		for _, tag := range tags {
			pipe.SAdd(ctx, TagSetKey(tag), key)
			pipe.Expire(ctx, TagSetKey(tag), ttl)
		}
		return nil
	})
	if err != nil {
		metrics.CacheOps.WithLabelValues("error").Inc()
		c.bumpStat(ctx, "errors")
		return err
	}

	metrics.CacheOps.WithLabelValues("set").Inc()
	metrics.CacheByDepth.WithLabelValues(string(cfg.Depth)).Inc()
	c.bumpStat(ctx, "sets")
	c.bumpStat(ctx, "cached_depth_"+string(cfg.Depth))
	return nil
}

// Delete removes the envelope and its membership in the file and tag sets.
func (c *ResultCache) Delete(ctx context.Context, fileHash string, cfg models.AnalysisConfig) error {
	fp := NewFingerprint(fileHash, cfg)
	c.purge(ctx, fp, TagsFor(cfg, ""))
	metrics.CacheOps.WithLabelValues("delete").Inc()
	c.bumpStat(ctx, "deletes")
	return nil
}

// purge removes an entry and its set memberships. Tag membership for tags
// not in the provided list ages out via set TTLs.
func (c *ResultCache) purge(ctx context.Context, fp Fingerprint, tags []string) {
	key := fp.Key()
	_ = c.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, FileSetKey(fp.FileHash), key)
		for _, tag := range tags {
			pipe.SRem(ctx, TagSetKey(tag), key)
		}
		return nil
	})
}

// InvalidateByFile deletes every cached entry for a file, then the file set.
func (c *ResultCache) InvalidateByFile(ctx context.Context, fileHash string) (int, error) {
	return c.invalidateSet(ctx, FileSetKey(fileHash))
}

// InvalidateByTag deletes every cached entry carrying a tag, then the tag set.
func (c *ResultCache) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	return c.invalidateSet(ctx, TagSetKey(tag))
}

func (c *ResultCache) invalidateSet(ctx context.Context, setKey string) (int, error) {
	keys, err := c.store.SetMembers(ctx, setKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		metrics.CacheOps.WithLabelValues("error").Inc()
		return 0, err
	}
	if err := c.store.Delete(ctx, append(keys, setKey)...); err != nil {
		metrics.CacheOps.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.CacheOps.WithLabelValues("invalidation").Inc()
	c.bumpStat(ctx, "invalidations")
	return len(keys), nil
}

// Stats returns the persisted hit/miss counters.
func (c *ResultCache) Stats(ctx context.Context) (map[string]string, error) {
	return c.store.HashGetAll(ctx, statsKey)
}

func (c *ResultCache) bumpStat(ctx context.Context, field string) {
	_, _ = c.store.HashIncr(ctx, statsKey, field, 1)
}
