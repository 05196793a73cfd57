package sequencer

import "sync"

// Reorder delivers segments to a Sequencer in declaration order even when
// they complete out of order. The turn pipeline synthesizes response
// segments concurrently and submits each with its index; Reorder holds
// early arrivals until every lower index has been submitted or skipped.
//
// A Reorder is created per turn and is safe for concurrent use.
type Reorder struct {
	seq *Sequencer

	mu   sync.Mutex
	next int
	held map[int]Segment
	done map[int]bool // indexes skipped without a segment
}

// NewReorder creates a reorder buffer feeding seq, expecting indexes
// starting at 0.
func NewReorder(seq *Sequencer) *Reorder {
	return &Reorder{
		seq:  seq,
		held: make(map[int]Segment),
		done: make(map[int]bool),
	}
}

// Submit hands over the segment for position idx. It is enqueued
// immediately when idx is the next expected position, otherwise held.
func (r *Reorder) Submit(idx int, seg Segment) {
	r.mu.Lock()
	r.held[idx] = seg
	r.flushLocked()
	r.mu.Unlock()
}

// Skip marks position idx as producing no audio (synthesis failed or was
// dropped) so later positions are not held back.
func (r *Reorder) Skip(idx int) {
	r.mu.Lock()
	r.done[idx] = true
	r.flushLocked()
	r.mu.Unlock()
}

// flushLocked enqueues every consecutively-ready segment. Must be called
// with r.mu held.
func (r *Reorder) flushLocked() {
	for {
		if seg, ok := r.held[r.next]; ok {
			delete(r.held, r.next)
			r.seq.Enqueue(seg)
			r.next++
			continue
		}
		if r.done[r.next] {
			delete(r.done, r.next)
			r.next++
			continue
		}
		return
	}
}
