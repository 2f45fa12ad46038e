// Package eventqueue implements component A: a time-ordered priority
// queue of market events with deterministic tie-breaking. It is owned
// exclusively by the backtest driver's single thread — no locks, no
// blocking, amortized O(log n) push/pop (spec §4.A).
package eventqueue

import (
	"container/heap"

	"fenrir/internal/types"
)

// heapSlice is the container/heap.Interface adaptor, in the same shape as
// the teacher's BuyBook/SellBook (internal/book/buy_book.go): a plain
// slice of pointers ordered by a Less method, pushed/popped through the
// standard library heap functions rather than a hand-rolled tree.
type heapSlice []*types.Event

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool { return h[i].Before(h[j]) }

func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x any) {
	*h = append(*h, x.(*types.Event))
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a min-heap keyed by (Timestamp, Sequence). Sequence is assigned
// by Push/PushBatch when the caller has not already set one (a zero value
// is treated as "not set", so an explicit sequence 0 is replaced by the
// queue's next counter value). The driver re-injects fills with Sequence
// left at zero and relies on this assignment.
type Queue struct {
	h       heapSlice
	nextSeq uint64
	popped  uint64
}

// New creates an empty queue. initialCapacity seeds the backing slice
// (spec §6.3 eventBufferSize) to avoid repeated growth on the first bulk
// load.
func New(initialCapacity int) *Queue {
	q := &Queue{}
	if initialCapacity > 0 {
		q.h = make(heapSlice, 0, initialCapacity)
	}
	heap.Init(&q.h)
	return q
}

// NextSequence returns the counter that the next auto-sequenced Push will
// consume, without mutating it. A sequence at or above this value sorts
// after everything already pushed at the same timestamp.
func (q *Queue) NextSequence() uint64 { return q.nextSeq }

// Push inserts e. If e.Sequence is zero, a fresh monotonic sequence is
// assigned. A nonzero Sequence is kept as given, and if it is at or above
// NextSequence() the counter is advanced past it, so later auto-sequenced
// pushes still sort after it.
func (q *Queue) Push(e *types.Event) {
	if e.Sequence == 0 {
		e.Sequence = q.nextSeq
	}
	if e.Sequence >= q.nextSeq {
		q.nextSeq = e.Sequence + 1
	}
	heap.Push(&q.h, e)
}

// PushBatch inserts a batch of events, auto-sequencing any with a zero
// Sequence in slice order so ties among the batch preserve insertion
// order.
func (q *Queue) PushBatch(es []*types.Event) {
	for _, e := range es {
		q.Push(e)
	}
}

// ReserveSequence allocates and returns the next sequence number without
// pushing an event, for callers that need to stamp a sequence on an event
// before constructing it.
func (q *Queue) ReserveSequence() uint64 {
	s := q.nextSeq
	q.nextSeq++
	return s
}

// Pop removes and returns the lowest-keyed event, or false if empty.
func (q *Queue) Pop() (*types.Event, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(*types.Event)
	q.popped++
	return e, true
}

// Peek returns the lowest-keyed event without removing it.
func (q *Queue) Peek() (*types.Event, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h[0], true
}

// PopUntil drains and returns, in heap order, every event with
// Timestamp <= t.
func (q *Queue) PopUntil(t int64) []*types.Event {
	var out []*types.Event
	for {
		e, ok := q.Peek()
		if !ok || e.Timestamp > t {
			break
		}
		e, _ = q.Pop()
		out = append(out, e)
	}
	return out
}

// PopBatch drains up to n events in heap order.
func (q *Queue) PopBatch(n int) []*types.Event {
	out := make([]*types.Event, 0, n)
	for i := 0; i < n; i++ {
		e, ok := q.Pop()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// Clear empties the queue without resetting the sequence or popped
// counters.
func (q *Queue) Clear() {
	q.h = q.h[:0]
}

// Size returns the number of events currently queued.
func (q *Queue) Size() int { return q.h.Len() }

// TotalPopped returns the lifetime count of events removed via Pop,
// PopUntil or PopBatch.
func (q *Queue) TotalPopped() uint64 { return q.popped }
