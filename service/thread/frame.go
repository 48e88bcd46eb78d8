package thread

import (
	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/pkg/preview"
)

// FrameID names a Frame within a session.
type FrameID int

// Frame is one activation record on the call stack.
type Frame struct {
	id     FrameID
	record cdp.CallFrame
	depth  int

	// pause is the epoch the handles below belong to. The receiver is
	// resolved again in every epoch the frame survives into.
	pause           PauseHandle
	receiver        ValueHandle
	receiverPreview *preview.Object
	environment     ValueHandle
}

// ID returns the handle of the frame.
func (f *Frame) ID() FrameID { return f.id }

// Native returns the target's identifier of the frame.
func (f *Frame) Native() cdp.CallFrameID { return f.record.CallFrameID }

// Depth is the distance from the innermost frame.
func (f *Frame) Depth() int { return f.depth }

// FrameForm describes a frame to clients.
type FrameForm struct {
	ID              FrameID
	Type            string
	Receiver        ValueHandle
	ReceiverPreview *preview.Object
	CalleeName      string
	Depth           int
	Location        Location
	Environment     ValueHandle
}

func (t *Thread) frameFormLocked(f *Frame) FrameForm {
	return FrameForm{
		ID:              f.id,
		Type:            "call",
		Receiver:        f.receiver,
		ReceiverPreview: f.receiverPreview,
		CalleeName:      f.record.FunctionName,
		Depth:           f.depth,
		Location:        t.sources.RelativeLocation(f.record.Location),
		Environment:     f.environment,
	}
}
