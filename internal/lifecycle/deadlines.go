package lifecycle

import (
	"container/heap"
	"sync"
	"time"
)

type deadline struct {
	auctionID string
	at        time.Time
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// deadlineQueue orders auctions by end time. Re-arming an auction pushes a new
// entry; older entries for the same id are skipped when they surface.
type deadlineQueue struct {
	mu     sync.Mutex
	items  deadlineHeap
	latest map[string]time.Time
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{latest: make(map[string]time.Time)}
}

// arm records at as the current deadline of auctionID
func (q *deadlineQueue) arm(auctionID string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.latest[auctionID]; ok && prev.Equal(at) {
		return
	}
	q.latest[auctionID] = at
	heap.Push(&q.items, deadline{auctionID: auctionID, at: at})
}

// disarm forgets auctionID; its queued entries become stale
func (q *deadlineQueue) disarm(auctionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.latest, auctionID)
}

// next returns the earliest live deadline
func (q *deadlineQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() > 0 {
		top := q.items[0]
		if at, ok := q.latest[top.auctionID]; ok && at.Equal(top.at) {
			return top.at, true
		}
		heap.Pop(&q.items)
	}
	return time.Time{}, false
}

// due pops the ids whose deadline has passed at now
func (q *deadlineQueue) due(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for q.items.Len() > 0 && now.After(q.items[0].at) {
		d := heap.Pop(&q.items).(deadline)
		if at, ok := q.latest[d.auctionID]; ok && at.Equal(d.at) {
			delete(q.latest, d.auctionID)
			ids = append(ids, d.auctionID)
		}
	}
	return ids
}

func (q *deadlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.latest)
}
