package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is an in-process priority queue backed by a binary heap.
type MemoryQueue struct {
	mu     sync.Mutex
	items  entryHeap
	queued map[string]struct{}
	seq    uint64
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queued: make(map[string]struct{})}
}

// Enqueue inserts entries. A unit that is already queued, or repeated within
// the call, rejects the whole call.
func (q *MemoryQueue) Enqueue(_ context.Context, entries ...Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.UnitID == "" {
			return fmt.Errorf("enqueue: unit id is empty")
		}
		if !e.Priority.Valid() {
			return fmt.Errorf("enqueue unit %s: unknown priority %q", e.UnitID, e.Priority)
		}
		if _, dup := q.queued[e.UnitID]; dup {
			return fmt.Errorf("enqueue unit %s: already queued", e.UnitID)
		}
		if _, dup := seen[e.UnitID]; dup {
			return fmt.Errorf("enqueue unit %s: repeated in batch", e.UnitID)
		}
		seen[e.UnitID] = struct{}{}
	}

	for _, e := range entries {
		q.seq++
		heap.Push(&q.items, heapItem{entry: e, rank: e.Priority.Rank(), seq: q.seq})
		q.queued[e.UnitID] = struct{}{}
	}
	return nil
}

// Dequeue removes the highest-priority, oldest entry.
func (q *MemoryQueue) Dequeue(_ context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return Entry{}, false, nil
	}
	it := heap.Pop(&q.items).(heapItem)
	delete(q.queued, it.entry.UnitID)
	return it.entry, true, nil
}

// Len returns the number of pending entries.
func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.items.Len()), nil
}

type heapItem struct {
	entry Entry
	rank  int
	seq   uint64
}

type entryHeap []heapItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
		return a.entry.CreatedAt.Before(b.entry.CreatedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = heapItem{}
	*h = old[:n-1]
	return it
}
