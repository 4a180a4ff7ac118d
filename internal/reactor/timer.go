package reactor

import "container/heap"

// scheduledCall is one entry in the timer heap (spec.md §4.6 "Timers").
type scheduledCall struct {
	when      int64 // UnixNano deadline
	seq       int64 // insertion sequence, breaks same-deadline ties FIFO
	callgroup string
	fn        func()
	cancelled bool
	index     int // heap.Interface bookkeeping
}

// callHeap is a container/heap min-heap ordered by (when, seq), giving
// the FIFO-on-tie ordering spec.md §4.6 requires ("calls scheduled
// with the same time run in FIFO insertion order").
type callHeap []*scheduledCall

func (h callHeap) Len() int { return len(h) }

func (h callHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}

func (h callHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callHeap) Push(x interface{}) {
	c := x.(*scheduledCall)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *callHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

var _ heap.Interface = (*callHeap)(nil)

func pushCall(h *callHeap, c *scheduledCall) { heap.Push(h, c) }

func popCall(h *callHeap) *scheduledCall { return heap.Pop(h).(*scheduledCall) }
