package automation

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"
)

// QueueItem is the transient scheduling state of one automation. Entity
// state always comes from the record store.
type QueueItem struct {
	ID         uuid.UUID `json:"id"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`

	seq   uint64
	index int
}

// Queue orders automation ids by priority, then arrival.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	byID  map[uuid.UUID]*QueueItem
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{byID: make(map[uuid.UUID]*QueueItem)}
}

// Push adds id or, when already queued, updates its priority and retry count
// in place.
func (q *Queue) Push(id uuid.UUID, priority, retryCount int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[id]; ok {
		it.Priority = priority
		it.RetryCount = retryCount
		heap.Fix(&q.items, it.index)
		return
	}
	q.seq++
	it := &QueueItem{ID: id, Priority: priority, RetryCount: retryCount, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[id] = it
}

// Pop removes the highest priority item.
func (q *Queue) Pop() (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	it := heap.Pop(&q.items).(*QueueItem)
	delete(q.byID, it.ID)
	return *it, true
}

func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return true
}

func (q *Queue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued items in pop order.
func (q *Queue) Snapshot() []QueueItem {
	q.mu.Lock()
	cp := make(itemHeap, len(q.items))
	for i, it := range q.items {
		c := *it
		cp[i] = &c
	}
	q.mu.Unlock()

	out := make([]QueueItem, 0, len(cp))
	for len(cp) > 0 {
		out = append(out, *heap.Pop(&cp).(*QueueItem))
	}
	return out
}

type itemHeap []*QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*QueueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
