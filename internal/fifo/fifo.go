// Package fifo implements an unbounded, ordered queue whose consumer side
// is a channel. Producers never block, so a queue can sit between a reader
// goroutine and a consumer that may itself wait on that reader.
package fifo

import "sync"

// Queue delivers pushed values on C in push order.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	finished bool

	notify chan struct{}
	done   chan struct{}
	out    chan T
}

// New returns a running queue. Close must be called to release its
// goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

// Push appends v. Pushing to a closed queue drops v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed || q.finished {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// C returns the delivery channel. It is closed after Close.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Close stops delivery. Values not yet received are discarded.
// Close may be called more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

// Finish stops accepting values; C is closed once the values already
// pushed have been received.
func (q *Queue[T]) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next value. drained reports that the queue is finished
// and empty.
func (q *Queue[T]) pop() (v T, ok, drained bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false, q.finished
	}
	v = q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true, false
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		v, ok, drained := q.pop()
		if drained {
			return
		}
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
