package thread

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a command is not legal in the
	// current state. The concrete error is a *StateError.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupported is returned for options the bridge cannot honor.
	ErrUnsupported = errors.New("unsupported")
	// ErrStaleHandle is returned when a handle outlived its pause.
	ErrStaleHandle = errors.New("stale handle")
	// ErrNoSuchFrame is returned for frame ids that are not live.
	ErrNoSuchFrame = errors.New("no such frame")
	// ErrNoSuchSource is returned for unknown source ids.
	ErrNoSuchSource = errors.New("no such source")
	// ErrUnknownBreakpoint is returned when releasing a breakpoint that is
	// not registered, including one already released.
	ErrUnknownBreakpoint = errors.New("unknown breakpoint")
	// ErrExited is matched by state errors raised after the session exited.
	ErrExited = errors.New("session exited")
)

// StateError reports a command issued in a state where it is not legal.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("wrong state: %s is not legal while %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// Is makes errors.Is(err, ErrExited) hold for commands rejected because
// the session already exited.
func (e *StateError) Is(target error) bool {
	return target == ErrExited && e.State == Exited
}
