package stream

import (
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// Queue holds stream frames that have arrived but not yet been delivered,
// FIFO per id. It is not safe for concurrent use; the Mux guards it.
//
// With max == 0 the queue is unbounded and grows without limit while a
// consumer is slow or absent. With max > 0, open frames beyond the bound are
// refused. Close frames are always accepted so a stream can still terminate.
type Queue struct {
	max    int
	total  int
	frames map[wire.ID][]*wire.Envelope
}

// NewQueue creates a queue holding at most max frames (0 = unbounded).
func NewQueue(max int) *Queue {
	if max < 0 {
		max = 0
	}
	return &Queue{
		max:    max,
		frames: make(map[wire.ID][]*wire.Envelope),
	}
}

// Push appends a frame to its id's FIFO. It returns false when the frame was
// refused because the queue is full.
func (q *Queue) Push(e *wire.Envelope) bool {
	if q.max > 0 && q.total >= q.max && e.Stream != wire.StreamClose {
		return false
	}
	q.frames[e.ID] = append(q.frames[e.ID], e)
	q.total++
	return true
}

// Pop removes and returns the oldest frame for id.
func (q *Queue) Pop(id wire.ID) (*wire.Envelope, bool) {
	list := q.frames[id]
	if len(list) == 0 {
		return nil, false
	}
	e := list[0]
	list[0] = nil
	if len(list) == 1 {
		delete(q.frames, id)
	} else {
		q.frames[id] = list[1:]
	}
	q.total--
	return e, true
}

// Drop discards every frame for id and returns how many were removed.
func (q *Queue) Drop(id wire.ID) int {
	n := len(q.frames[id])
	delete(q.frames, id)
	q.total -= n
	return n
}

// Len returns the number of queued frames across all ids.
func (q *Queue) Len() int {
	return q.total
}

// LenID returns the number of queued frames for id.
func (q *Queue) LenID(id wire.ID) int {
	return len(q.frames[id])
}

// Reset discards everything.
func (q *Queue) Reset() {
	q.frames = make(map[wire.ID][]*wire.Envelope)
	q.total = 0
}
