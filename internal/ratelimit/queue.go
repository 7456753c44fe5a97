package ratelimit

import (
	"container/heap"
	"time"

	"barflow/models"
)

// queueItem wraps a scheduled request for the pending heap. seq preserves
// submission order so requests within the same priority tier stay FIFO.
type queueItem struct {
	req *models.ScheduledRequest
	seq uint64
}

type pendingHeap []*queueItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueItem))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedItem is a retrying request parked until its backoff elapses. The
// worker owns the heap, so retries never spawn timer goroutines.
type delayedItem struct {
	item    *queueItem
	readyAt time.Time
}

type delayHeap []*delayedItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x interface{}) {
	*h = append(*h, x.(*delayedItem))
}

func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// requestQueue combines the priority queue of runnable requests with the
// delay heap of retrying ones. Not safe for concurrent use; the limiter
// serializes access behind its own mutex.
type requestQueue struct {
	pending pendingHeap
	delayed delayHeap
	nextSeq uint64
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	heap.Init(&q.pending)
	heap.Init(&q.delayed)
	return q
}

func (q *requestQueue) push(req *models.ScheduledRequest) {
	q.nextSeq++
	heap.Push(&q.pending, &queueItem{req: req, seq: q.nextSeq})
}

// requeue puts an item back at its original position in the tier.
func (q *requestQueue) requeue(item *queueItem) {
	heap.Push(&q.pending, item)
}

func (q *requestQueue) pop() *queueItem {
	if q.pending.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*queueItem)
}

func (q *requestQueue) park(item *queueItem, readyAt time.Time) {
	heap.Push(&q.delayed, &delayedItem{item: item, readyAt: readyAt})
}

// promote moves every delayed item whose backoff has elapsed back into the
// pending heap and returns how long until the next one becomes ready.
// A zero duration means nothing is parked.
func (q *requestQueue) promote(now time.Time) time.Duration {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.readyAt.After(now) {
			return next.readyAt.Sub(now)
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.pending, next.item)
	}
	return 0
}

// drain empties both heaps and returns every outstanding item, runnable
// and parked alike.
func (q *requestQueue) drain() []*queueItem {
	items := make([]*queueItem, 0, q.size())
	for q.pending.Len() > 0 {
		items = append(items, heap.Pop(&q.pending).(*queueItem))
	}
	for q.delayed.Len() > 0 {
		items = append(items, heap.Pop(&q.delayed).(*delayedItem).item)
	}
	return items
}

func (q *requestQueue) size() int {
	return q.pending.Len() + q.delayed.Len()
}
