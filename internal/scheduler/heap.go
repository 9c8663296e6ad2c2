// Package scheduler implements the virtual-time event engine that drives every
// simulation in epochsim.
//
// Core design principle:
//   - The pending-event set is a Min-Heap keyed by (at, seq).
//   - Peek at the root is O(1); insert and cancel are O(log N).
//   - seq is a monotone counter assigned at scheduling time, so events due at
//     the same virtual instant fire in the order they were scheduled. Together
//     with a seeded RNG this makes every run reproducible.
//
// The engine is single-threaded and cooperative: callbacks run one at a time on
// the goroutine that calls Step / RunUntil, so the state they touch needs no
// locking.
package scheduler

import (
	"container/heap"
	"time"
)

// item is one pending event in the Min-Heap.
type item struct {
	id  TimerID
	at  time.Duration // virtual time the event is due
	seq uint64        // FIFO tie-break among events due at the same time
	fn  func()

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap so Cancel can do O(log N) heap.Remove.
	heapIdx int
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The earliest (at, seq) pair sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
