package pdes

import "container/heap"

// PQueue orders pending events by (RecvTS, Priority, Tiebreak), the same
// three-way tiebreak the originating engine uses to keep event processing
// deterministic across reruns with identical inputs: timestamp first,
// then a model-assigned priority band, then a monotonic tiebreak counter
// assigned at send time so two events with identical timestamp and
// priority still resolve to one order.
type PQueue struct {
	items eventHeap
}

// NewPQueue returns an empty priority queue ready for use.
func NewPQueue() *PQueue {
	pq := &PQueue{}
	heap.Init(&pq.items)
	return pq
}

// Push inserts an event into the queue.
func (q *PQueue) Push(e *Event) {
	heap.Push(&q.items, e)
}

// Pop removes and returns the lowest (RecvTS, Priority, Tiebreak) event, or
// nil if the queue is empty.
func (q *PQueue) Pop() *Event {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Event)
}

// Peek returns the lowest event without removing it, or nil if empty.
func (q *PQueue) Peek() *Event {
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the number of events currently queued.
func (q *PQueue) Len() int { return q.items.Len() }

// Remove deletes the event at the matching Seq/Sender pair if present,
// used when an anti-message cancels an event that has not been processed
// yet (the straggler-free case: annihilate both before either runs).
func (q *PQueue) Remove(sender LPID, seq uint64) *Event {
	for i, e := range q.items {
		if e.Sender == sender && e.Seq == seq && !e.Anti {
			removed := heap.Remove(&q.items, i).(*Event)
			return removed
		}
	}
	return nil
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.RecvTS != b.RecvTS {
		return a.RecvTS < b.RecvTS
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Tiebreak < b.Tiebreak
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
