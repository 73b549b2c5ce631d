// Package mixer provides a sample-accurate timeline that voxgate's audio
// outputs render from. Buffers are committed to absolute positions on the
// timeline's sample clock, so consecutive buffers splice without gaps no
// matter how late the caller learns that the previous one finished.
package mixer

// pending is a scheduled voice that has not started rendering yet.
type pending struct {
	v   *voice
	seq uint64 // insertion order for tie-breaking on equal start
}

// startHeap implements [container/heap.Interface] as a min-heap ordered by
// start sample, with FIFO tie-breaking on seq.
type startHeap []pending

func (h startHeap) Len() int { return len(h) }

func (h startHeap) Less(i, j int) bool {
	if h[i].v.start != h[j].v.start {
		return h[i].v.start < h[j].v.start
	}
	return h[i].seq < h[j].seq
}

func (h startHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push].
func (h *startHeap) Push(x any) {
	*h = append(*h, x.(pending))
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *startHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
