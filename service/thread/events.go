package thread

import (
	"sync"

	"github.com/go-delve/cdpbridge/internal/fifo"
)

// EventKind tells what an Event reports.
type EventKind int

const (
	EventPaused EventKind = iota
	EventResumed
	EventNewSource
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventNewSource:
		return "newSource"
	case EventExited:
		return "exited"
	}
	return "unknown"
}

// Event is a notification for clients of a Thread. Which fields are set
// depends on Kind.
type Event struct {
	Kind EventKind

	// Paused.
	Pause        PauseHandle
	Why          string
	Frame        *FrameForm
	PoppedFrames []FrameID

	// NewSource.
	Source *SourceForm
}

// Subscription receives the events of a Thread in emission order. An
// exited event is always the last one delivered.
type Subscription struct {
	hub *eventHub
	q   *fifo.Queue[Event]
}

// C returns the delivery channel. It is closed after an exited event or
// Cancel.
func (s *Subscription) C() <-chan Event {
	return s.q.C()
}

// Cancel stops delivery.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
	s.q.Close()
}

type eventHub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func (h *eventHub) subscribe() *Subscription {
	s := &Subscription{hub: h, q: fifo.New[Event]()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *eventHub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.q.Push(ev)
	}
	if ev.Kind == EventExited {
		for s := range h.subs {
			s.q.Finish()
		}
		h.subs = nil
	}
}

func (h *eventHub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
