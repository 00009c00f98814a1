// Package kvstore provides typed operations over the shared Redis store.
//
// All multi-step sequences that must be atomic go through Pipelined or the
// named server-side scripts in scripts.go. Callers decide the failure mode:
// rate-limiter paths treat ErrUnavailable as fail-open, cache paths treat it
// as a miss.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Failure surface of the adapter. Errors returned by Store methods wrap one
// of these sentinels.
var (
	ErrUnavailable   = errors.New("kv store unavailable")
	ErrTimeout       = errors.New("kv store timeout")
	ErrSerialization = errors.New("kv serialization error")
	ErrScript        = errors.New("kv script error")
	ErrNotFound      = errors.New("kv key not found")
)

// Config holds Redis connection settings.
type Config struct {
	Host           string
	Port           int
	DB             int
	Password       string
	MaxConnections int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
}

// Store wraps a Redis client with the typed operation set the service uses.
type Store struct {
	client redis.UniversalClient
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		PoolSize:     cfg.MaxConnections,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used in tests with miniredis.
func NewFromClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a go-redis error onto the adapter's failure surface.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Get returns the string value at key, ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", classify(err)
	}
	return v, nil
}

// Set stores value at key with a TTL. ttl <= 0 means no expiration.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return classify(s.client.Set(ctx, key, value, ttl).Err())
}

// Delete removes keys; missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return classify(s.client.Del(ctx, keys...).Err())
}

// Incr atomically increments the integer at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	return v, classify(err)
}

// HashIncr atomically increments a hash field.
func (s *Store) HashIncr(ctx context.Context, key, field string, by int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, by).Result()
	return v, classify(err)
}

// HashGetAll returns all fields of a hash. An absent key yields an empty map.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// HashSet sets hash fields from the given map.
func (s *Store) HashSet(ctx context.Context, key string, fields map[string]any) error {
	return classify(s.client.HSet(ctx, key, fields).Err())
}

// SortedSetAdd adds a member with the given score.
func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	return classify(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// SortedSetRemoveByScore removes members with scores in [min, max].
func (s *Store) SortedSetRemoveByScore(ctx context.Context, key, min, max string) error {
	return classify(s.client.ZRemRangeByScore(ctx, key, min, max).Err())
}

// SortedSetCount returns the cardinality of a sorted set.
func (s *Store) SortedSetCount(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, classify(err)
}

// SortedSetRangeWithScores returns members by index range with their scores.
func (s *Store) SortedSetRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	return zs, nil
}

// SetAdd adds members to a set.
func (s *Store) SetAdd(ctx context.Context, key string, members ...any) error {
	return classify(s.client.SAdd(ctx, key, members...).Err())
}

// SetRemove removes members from a set.
func (s *Store) SetRemove(ctx context.Context, key string, members ...any) error {
	return classify(s.client.SRem(ctx, key, members...).Err())
}

// SetCard returns the cardinality of a set.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	return n, classify(err)
}

// SetMembers returns all members of a set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	ms, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return ms, nil
}

// Expire refreshes the TTL of a key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return classify(s.client.Expire(ctx, key, ttl).Err())
}

// Pipelined executes fn's queued commands atomically in a single round-trip
// (MULTI/EXEC). Per-op outcomes are available on the returned commands.
func (s *Store) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	if _, err := s.client.TxPipelined(ctx, fn); err != nil {
		return classify(err)
	}
	return nil
}
