package thread

// State is the lifecycle state of a debugging session.
type State int

const (
	Detached State = iota
	Attached
	Paused
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	case Paused:
		return "paused"
	case Running:
		return "running"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// ExceptionState is the exception pause policy pushed to the target. The
// values are the target's own.
type ExceptionState string

const (
	ExceptionsNone     ExceptionState = "none"
	ExceptionsUncaught ExceptionState = "uncaught"
	ExceptionsAll      ExceptionState = "all"
)

func exceptionState(pauseOnExceptions, ignoreCaught bool) ExceptionState {
	if !pauseOnExceptions {
		return ExceptionsNone
	}
	if ignoreCaught {
		return ExceptionsUncaught
	}
	return ExceptionsAll
}

// ResumeLimit restricts how far a resume runs.
type ResumeLimit string

const (
	LimitNone   ResumeLimit = ""
	LimitNext   ResumeLimit = "next"
	LimitStep   ResumeLimit = "step"
	LimitFinish ResumeLimit = "finish"
)
