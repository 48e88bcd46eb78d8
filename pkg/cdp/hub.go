package cdp

import (
	"encoding/json"
	"sync"

	"github.com/go-delve/cdpbridge/internal/fifo"
)

// Event is a notification emitted by the target.
type Event struct {
	Method string
	Params json.RawMessage
}

// Subscription receives every event published after it was created, in
// publication order.
type Subscription struct {
	hub *Hub
	q   *fifo.Queue[Event]
}

// C returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the hub closes.
func (s *Subscription) C() <-chan Event {
	return s.q.C()
}

// Cancel stops delivery and releases the subscription.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
	s.q.Close()
}

// Hub fans target events out to subscribers. Publish never blocks.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{hub: h, q: fifo.New[Event]()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.q.Close()
		return s
	}
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every current subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.q.Push(ev)
	}
}

// Close ends every subscription once the events already published to it
// have been delivered.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.q.Finish()
	}
	h.subs = nil
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
