// Package sequencer schedules synthesized audio segments for playback toward
// the caller. Segments carry a priority; the sequencer drains them through a
// priority queue and paces emission at one 20 ms chunk per tick so the
// carrier receives real-time audio.
package sequencer

// entry wraps a [Segment] with scheduling metadata for the priority queue.
// The seq field provides FIFO ordering within the same priority level.
type entry struct {
	segment Segment
	seq     uint64 // monotonic insertion order for FIFO tie-breaking
}

// segmentHeap implements [container/heap.Interface] as a max-heap ordered by
// priority (descending), with FIFO tie-breaking on seq (ascending).
type segmentHeap []entry

func (h segmentHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
// Higher priority wins; equal priority falls back to insertion order.
func (h segmentHeap) Less(i, j int) bool {
	if h[i].segment.Priority != h[j].segment.Priority {
		return h[i].segment.Priority > h[j].segment.Priority
	}
	return h[i].seq < h[j].seq
}

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
