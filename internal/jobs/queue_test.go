package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsight/binsight-ai/internal/models"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := newPriorityQueue()
	now := time.Now()
	q.Enqueue("normal-1", models.PriorityNormal.Weight(), now)
	q.Enqueue("low-1", models.PriorityLow.Weight(), now)
	q.Enqueue("urgent-1", models.PriorityUrgent.Weight(), now)
	q.Enqueue("normal-2", models.PriorityNormal.Weight(), now)
	q.Enqueue("high-1", models.PriorityHigh.Weight(), now)

	ctx := context.Background()
	var got []string
	for q.Len() > 0 {
		id, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"urgent-1", "high-1", "normal-1", "normal-2", "low-1"}, got,
		"priority first, FIFO within a priority")
}

func TestQueuePositionSnapshot(t *testing.T) {
	q := newPriorityQueue()
	now := time.Now()

	assert.Equal(t, 0, q.Enqueue("a", models.PriorityNormal.Weight(), now))
	assert.Equal(t, 1, q.Enqueue("b", models.PriorityNormal.Weight(), now))
	// Urgent jumps ahead of both normals.
	assert.Equal(t, 0, q.Enqueue("c", models.PriorityUrgent.Weight(), now))
	// A low job sits behind everything.
	assert.Equal(t, 3, q.Enqueue("d", models.PriorityLow.Weight(), now))
}

func TestQueueRemove(t *testing.T) {
	q := newPriorityQueue()
	now := time.Now()
	q.Enqueue("a", 1, now)
	q.Enqueue("b", 1, now)

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"), "second removal misses")
	assert.Equal(t, 1, q.Len())

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestQueueReprioritize(t *testing.T) {
	q := newPriorityQueue()
	now := time.Now()
	q.Enqueue("a", models.PriorityNormal.Weight(), now)
	q.Enqueue("b", models.PriorityLow.Weight(), now)

	assert.True(t, q.Reprioritize("b", models.PriorityUrgent.Weight()))
	assert.False(t, q.Reprioritize("missing", 1))

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newPriorityQueue()

	done := make(chan string, 1)
	go func() {
		id, err := q.Dequeue(context.Background())
		if err == nil {
			done <- id
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("late", 1, time.Now())

	select {
	case id := <-done:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	q := newPriorityQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
