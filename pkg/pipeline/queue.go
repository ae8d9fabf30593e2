package pipeline

import (
	"sync"

	"github.com/stleox/tracepipe/pkg/span"
)

const DefaultCapacity = 100

// Queue is a bounded FIFO of finished spans with many producers and a single
// consumer. Offer never blocks; Take blocks the consumer.
type Queue struct {
	ch        chan *span.Span
	closed    chan struct{}
	closeOnce sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:     make(chan *span.Span, capacity),
		closed: make(chan struct{}),
	}
}

// Offer enqueues s. It returns false at once when the queue is full or
// closed; the caller owns the drop.
func (q *Queue) Offer(s *span.Span) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- s:
		return true
	default:
		return false
	}
}

// Take waits for the next span. It returns false when stop fires or the
// queue is closed.
func (q *Queue) Take(stop <-chan struct{}) (*span.Span, bool) {
	select {
	case s := <-q.ch:
		return s, true
	case <-stop:
		return nil, false
	case <-q.closed:
		return nil, false
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close rejects further offers and wakes the consumer. Buffered spans stay
// where they are; Drain discards them.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Drain removes every buffered span and reports how many were removed.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
