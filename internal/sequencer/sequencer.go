package sequencer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusmiracle/callcore/pkg/audio"
)

// Priority orders segments in the playback queue. Higher values dequeue
// first; equal priorities play in FIFO order.
type Priority int

const (
	// PriorityLow is used for delayed fillers that may be absorbed by the
	// real response.
	PriorityLow Priority = iota

	// PriorityNormal is the default for synthesized response segments.
	PriorityNormal

	// PriorityHigh is used for empathy fillers and fallback utterances that
	// should play before the pending response.
	PriorityHigh

	// PriorityCritical preempts everything else.
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Segment is one unit of playback: PCM16 16 kHz audio with the persona that
// produced it and a short label for logs.
type Segment struct {
	PCM       []byte
	Persona   string
	Priority  Priority
	TextLabel string
}

const (
	// chunkBytes is the fixed emission size: 20 ms of PCM16 at 16 kHz.
	chunkBytes = audio.PCMChunkBytes

	// chunkPeriod is the real-time duration of one chunk.
	chunkPeriod = audio.ChunkDurationMs * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the priority queue.
	defaultQueueCap = 16
)

// Sequencer drains queued segments through the output callback at real-time
// pace: one fixed-size chunk every 20 ms. A background dispatch goroutine is
// started by [New] and runs until [Close].
//
// All exported methods are safe for concurrent use.
type Sequencer struct {
	output func([]byte) // receives one 20 ms PCM chunk per tick

	mu            sync.Mutex
	queue         segmentHeap
	seq           uint64        // monotonic counter for FIFO ordering
	playing       bool          // a segment is currently being emitted
	paused        bool
	resume        chan struct{} // closed by Resume to release a paused dispatch
	cancelPlaying chan struct{} // closed to interrupt the current segment

	notify chan struct{} // signalled when a segment is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool

	bargeIns atomic.Int64
}

// New creates a Sequencer delivering paced chunks to output. output is called
// sequentially from the dispatch goroutine and must not block; the media
// transport's send path is the intended consumer.
func New(output func([]byte)) *Sequencer {
	s := &Sequencer{
		output: output,
		queue:  make(segmentHeap, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	heap.Init(&s.queue)
	go s.dispatch()
	return s
}

// Enqueue schedules a segment for playback. Segments with empty PCM are
// dropped.
func (s *Sequencer) Enqueue(seg Segment) {
	if len(seg.PCM) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.seq++
	heap.Push(&s.queue, entry{segment: seg, seq: s.seq})

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Stop interrupts the current segment and clears the queue. Used on barge-in:
// at most one already-emitted chunk remains in flight. Stop while idle only
// clears the queue.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelPlaying != nil {
		close(s.cancelPlaying)
		s.cancelPlaying = nil
		s.bargeIns.Add(1)
	}
	s.playing = false
	s.queue = s.queue[:0]
}

// Pause suspends emission before the next chunk. Queued segments are kept.
func (s *Sequencer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		s.paused = true
		s.resume = make(chan struct{})
	}
}

// Resume releases a paused sequencer.
func (s *Sequencer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		s.paused = false
		close(s.resume)
		s.resume = nil
	}
}

// Reset clears all queued segments, interrupts playback, and clears the
// paused state. Counters are kept.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelPlaying != nil {
		close(s.cancelPlaying)
		s.cancelPlaying = nil
	}
	s.playing = false
	s.queue = s.queue[:0]
	if s.paused {
		s.paused = false
		close(s.resume)
		s.resume = nil
	}
}

// Playing reports whether a segment is currently being emitted.
func (s *Sequencer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueLen returns the number of queued (not yet playing) segments.
func (s *Sequencer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// BargeIns returns the number of times playback was stopped mid-segment.
func (s *Sequencer) BargeIns() int64 {
	return s.bargeIns.Load()
}

// Close stops the dispatch goroutine and drops all queued segments.
// Idempotent.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelPlaying != nil {
		close(s.cancelPlaying)
		s.cancelPlaying = nil
	}
	s.playing = false
	s.queue = nil
	if s.paused {
		s.paused = false
		close(s.resume)
		s.resume = nil
	}
	s.mu.Unlock()

	close(s.done)
	return nil
}

// dispatch pulls segments from the queue and paces their chunks to the
// output callback. Runs until Close.
func (s *Sequencer) dispatch() {
	ticker := time.NewTicker(chunkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			seg, cancel, ok := s.dequeue()
			if !ok {
				break
			}
			s.play(seg, cancel, ticker)

			s.mu.Lock()
			if s.cancelPlaying == cancel {
				s.cancelPlaying = nil
				s.playing = false
			}
			s.mu.Unlock()
		}
	}
}

// awaitResume blocks while the sequencer is paused. Returns false when
// playback should abort instead (close or cancel).
func (s *Sequencer) awaitResume(cancel chan struct{}) bool {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return true
		}
		resume := s.resume
		s.mu.Unlock()

		select {
		case <-s.done:
			return false
		case <-cancel:
			return false
		case <-resume:
		}
	}
}

// dequeue pops the highest-priority segment and marks it playing. It also
// honors a pending pause. Returns ok=false when the queue is empty.
func (s *Sequencer) dequeue() (Segment, chan struct{}, bool) {
	for {
		s.mu.Lock()
		if s.closed || s.queue.Len() == 0 {
			s.mu.Unlock()
			return Segment{}, nil, false
		}
		if s.paused {
			resume := s.resume
			s.mu.Unlock()
			select {
			case <-s.done:
				return Segment{}, nil, false
			case <-resume:
			}
			continue
		}

		e := heap.Pop(&s.queue).(entry)
		cancel := make(chan struct{})
		s.playing = true
		s.cancelPlaying = cancel
		s.mu.Unlock()
		return e.segment, cancel, true
	}
}

// play emits the segment chunk by chunk on the shared ticker until it ends
// or cancel is closed. The final short chunk is zero-padded to full size so
// the carrier always receives 20 ms frames.
func (s *Sequencer) play(seg Segment, cancel chan struct{}, ticker *time.Ticker) {
	for _, chunk := range audio.ChunkForPacing(seg.PCM, chunkBytes) {
		select {
		case <-s.done:
			return
		case <-cancel:
			return
		case <-ticker.C:
		}

		// Re-check cancellation after the tick so a Stop during the sleep
		// suppresses this chunk.
		select {
		case <-cancel:
			return
		default:
		}

		// A pause taken mid-segment holds here, before the chunk goes out.
		if !s.awaitResume(cancel) {
			return
		}

		if len(chunk) < chunkBytes {
			padded := make([]byte, chunkBytes)
			copy(padded, chunk)
			chunk = padded
		}
		s.output(chunk)
	}
}
