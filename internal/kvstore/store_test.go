package kvstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client), mr
}

func TestGetSetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHashOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.HashIncr(ctx, "stats", "hits", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.HashIncr(ctx, "stats", "hits", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	all, err := s.HashGetAll(ctx, "stats")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hits": "5"}, all)
}

func TestSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "tags", "a", "b"))
	n, err := s.SetCard(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.SetRemove(ctx, "tags", "a"))
	members, err := s.SetMembers(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestPipelinedAtomicity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "a", "1", time.Minute)
		pipe.Set(ctx, "b", "2", time.Minute)
		pipe.SAdd(ctx, "members", "a", "b")
		return nil
	})
	require.NoError(t, err)

	a, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", a)
	n, err := s.SetCard(ctx, "members")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSlidingWindowCount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := float64(time.Now().Unix())
	for i := 0; i < 5; i++ {
		score := now - float64(i*10) // 0s, 10s, 20s, 30s, 40s old
		require.NoError(t, s.SortedSetAdd(ctx, "win", score, fmt.Sprintf("req-%d", i)))
	}

	// Window of 25s: entries 30s and 40s old must be purged.
	res, err := s.SlidingWindowCount(ctx, "win", now-25, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.InDelta(t, now-20, res.OldestScore, 0.01)

	// A second run over the same cutoff is idempotent.
	res, err = s.SlidingWindowCount(ctx, "win", now-25, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
}

func TestSlidingWindowCountEmptyKey(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.SlidingWindowCount(context.Background(), "empty", 100, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Count)
	assert.Equal(t, float64(0), res.OldestScore)
}

func TestBurstTryConsume(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	// Limit of 3: three unit consumptions pass, the fourth is refused.
	for i := 0; i < 3; i++ {
		ok, err := s.BurstTryConsume(ctx, "burst:id", now, 60, 3, 1, 120)
		require.NoError(t, err)
		assert.True(t, ok, "consumption %d", i)
	}
	ok, err := s.BurstTryConsume(ctx, "burst:id", now, 60, 3, 1, 120)
	require.NoError(t, err)
	assert.False(t, ok)

	// After the window elapses the struct resets.
	ok, err = s.BurstTryConsume(ctx, "burst:id", now+61, 60, 3, 1, 120)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBurstTryConsumeCost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	ok, err := s.BurstTryConsume(ctx, "burst:c", now, 60, 5, 4, 120)
	require.NoError(t, err)
	assert.True(t, ok)

	// 4 used, cost 2 would exceed the limit of 5.
	ok, err = s.BurstTryConsume(ctx, "burst:c", now, 60, 5, 2, 120)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.BurstTryConsume(ctx, "burst:c", now, 60, 5, 1, 120)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnavailableClassification(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewFromClient(client)
	mr.Close()

	err := s.Set(context.Background(), "k", "v", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}
