package jobs

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// queueItem is one queued job id with its scheduling key.
type queueItem struct {
	id       string
	weight   int
	enqueued time.Time
	seq      uint64
	index    int
}

// itemHeap orders by weight descending, then admission order (FIFO within a
// priority).
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// priorityQueue is the in-memory dispatch queue. It is a view over the
// pending rows in the store, rebuilt on startup.
type priorityQueue struct {
	mu   sync.Mutex
	heap itemHeap
	byID map[string]*queueItem
	seq  uint64
	wake chan struct{}
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{
		byID: make(map[string]*queueItem),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue adds a job and returns the number of jobs ahead of it, the queue
// position snapshot reported at admission.
func (q *priorityQueue) Enqueue(id string, weight int, enqueued time.Time) int {
	q.mu.Lock()
	q.seq++
	item := &queueItem{id: id, weight: weight, enqueued: enqueued, seq: q.seq}
	heap.Push(&q.heap, item)
	q.byID[id] = item

	// Everything already queued at this weight or higher is ahead.
	ahead := 0
	for _, other := range q.heap {
		if other != item && other.weight >= item.weight {
			ahead++
		}
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return ahead
}

// Dequeue blocks until an id is available or ctx is done.
func (q *priorityQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			item := heap.Pop(&q.heap).(*queueItem)
			delete(q.byID, item.id)
			q.mu.Unlock()
			return item.id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		}
	}
}

// Remove drops a queued id, if still present. Used on cancellation; a miss is
// fine, the worker's claim will fail against the store instead.
func (q *priorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, id)
	return true
}

// Reprioritize updates the weight of a queued id, keeping its admission order
// within the new priority class.
func (q *priorityQueue) Reprioritize(id string, weight int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	item.weight = weight
	heap.Fix(&q.heap, item.index)
	return true
}

// Len returns the current queue depth.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
