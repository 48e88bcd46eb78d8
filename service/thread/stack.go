package thread

import "github.com/go-delve/cdpbridge/pkg/cdp"

// Stack is the list of live frames, outermost first. Frames that stop
// being live are queued until processExpired collects them.
type Stack struct {
	frames  []*Frame
	expired []*Frame
	newID   func() FrameID
}

func newStack(newID func() FrameID) *Stack {
	return &Stack{newID: newID}
}

// UpdateFrames replaces the stack with records, given outermost first.
// Frames of the old stack are kept up to the first position where the
// native ids differ; everything below that point is expired and replaced.
func (s *Stack) UpdateFrames(records []cdp.CallFrame) {
	i := 0
	for ; i < len(s.frames) && i < len(records); i++ {
		if s.frames[i].record.CallFrameID != records[i].CallFrameID {
			break
		}
		s.frames[i].record = records[i]
	}
	s.expired = append(s.expired, s.frames[i:]...)

	frames := s.frames[:i:i]
	for _, r := range records[i:] {
		frames = append(frames, &Frame{id: s.newID(), record: r})
	}
	s.frames = frames

	for j, f := range s.frames {
		f.depth = len(s.frames) - 1 - j
	}
}

// YoungestFrame returns the innermost frame, or nil for an empty stack.
func (s *Stack) YoungestFrame() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Frame returns the live frame with the given id.
func (s *Stack) Frame(id FrameID) *Frame {
	for _, f := range s.frames {
		if f.id == id {
			return f
		}
	}
	return nil
}

// Len returns the number of live frames.
func (s *Stack) Len() int { return len(s.frames) }

// Innermost returns the live frames, innermost first.
func (s *Stack) Innermost() []*Frame {
	r := make([]*Frame, len(s.frames))
	for i, f := range s.frames {
		r[len(r)-1-i] = f
	}
	return r
}

// ProcessExpired returns the frames expired since the last call.
func (s *Stack) ProcessExpired() []*Frame {
	expired := s.expired
	s.expired = nil
	return expired
}
