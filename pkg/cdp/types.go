package cdp

import "encoding/json"

// Methods and events of the Debugger and Runtime domains used by the bridge.
const (
	RuntimeEnable        = "Runtime.enable"
	RuntimeDisable       = "Runtime.disable"
	RuntimeEvaluate      = "Runtime.evaluate"
	RuntimeGetProperties = "Runtime.getProperties"

	DebuggerEnable               = "Debugger.enable"
	DebuggerDisable              = "Debugger.disable"
	DebuggerPause                = "Debugger.pause"
	DebuggerResume               = "Debugger.resume"
	DebuggerStepOver             = "Debugger.stepOver"
	DebuggerStepInto             = "Debugger.stepInto"
	DebuggerStepOut              = "Debugger.stepOut"
	DebuggerSetPauseOnExceptions = "Debugger.setPauseOnExceptions"
	DebuggerSetBreakpointByURL   = "Debugger.setBreakpointByUrl"
	DebuggerRemoveBreakpoint     = "Debugger.removeBreakpoint"
	DebuggerGetScriptSource      = "Debugger.getScriptSource"

	EventScriptParsed              = "Debugger.scriptParsed"
	EventPaused                    = "Debugger.paused"
	EventResumed                   = "Debugger.resumed"
	EventExecutionContextCreated   = "Runtime.executionContextCreated"
	EventExecutionContextDestroyed = "Runtime.executionContextDestroyed"
	EventExecutionContextsCleared  = "Runtime.executionContextsCleared"
)

// ScriptID identifies a parsed script inside the target.
type ScriptID string

// BreakpointID identifies a breakpoint inside the target.
type BreakpointID string

// CallFrameID identifies an activation record while the target is paused.
type CallFrameID string

// Location is a 0-based position inside a script.
type Location struct {
	ScriptID     ScriptID `json:"scriptId"`
	LineNumber   int      `json:"lineNumber"`
	ColumnNumber int      `json:"columnNumber,omitempty"`
}

// RemoteObject is a mirror of a value living in the target.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

// Scope is one entry of a call frame's scope chain.
type Scope struct {
	Type   string       `json:"type"`
	Object RemoteObject `json:"object"`
	Name   string       `json:"name,omitempty"`
}

// CallFrame is one activation record reported with a pause.
type CallFrame struct {
	CallFrameID  CallFrameID  `json:"callFrameId"`
	FunctionName string       `json:"functionName"`
	Location     Location     `json:"location"`
	URL          string       `json:"url,omitempty"`
	ScopeChain   []Scope      `json:"scopeChain,omitempty"`
	This         RemoteObject `json:"this"`
}

// ScriptParsedEvent is the payload of Debugger.scriptParsed.
type ScriptParsedEvent struct {
	ScriptID           ScriptID `json:"scriptId"`
	URL                string   `json:"url"`
	StartLine          int      `json:"startLine"`
	StartColumn        int      `json:"startColumn"`
	EndLine            int      `json:"endLine"`
	EndColumn          int      `json:"endColumn"`
	ExecutionContextID int      `json:"executionContextId,omitempty"`
	SourceMapURL       string   `json:"sourceMapURL,omitempty"`
}

// LineCount is the number of lines the script spans.
func (e *ScriptParsedEvent) LineCount() int {
	return e.EndLine - e.StartLine + 1
}

// PausedEvent is the payload of Debugger.paused. CallFrames start with the
// innermost frame.
type PausedEvent struct {
	CallFrames     []CallFrame     `json:"callFrames"`
	Reason         string          `json:"reason"`
	Data           json.RawMessage `json:"data,omitempty"`
	HitBreakpoints []BreakpointID  `json:"hitBreakpoints,omitempty"`
}

// SetBreakpointByURLParams are the arguments of Debugger.setBreakpointByUrl.
type SetBreakpointByURLParams struct {
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// SetBreakpointByURLResult is the result of Debugger.setBreakpointByUrl.
type SetBreakpointByURLResult struct {
	BreakpointID BreakpointID `json:"breakpointId"`
	Locations    []Location   `json:"locations"`
}

// RemoveBreakpointParams are the arguments of Debugger.removeBreakpoint.
type RemoveBreakpointParams struct {
	BreakpointID BreakpointID `json:"breakpointId"`
}

// GetScriptSourceParams are the arguments of Debugger.getScriptSource.
type GetScriptSourceParams struct {
	ScriptID ScriptID `json:"scriptId"`
}

// GetScriptSourceResult is the result of Debugger.getScriptSource.
type GetScriptSourceResult struct {
	ScriptSource string `json:"scriptSource"`
}

// SetPauseOnExceptionsParams are the arguments of Debugger.setPauseOnExceptions.
type SetPauseOnExceptionsParams struct {
	State string `json:"state"`
}

// EvaluateParams are the arguments of Runtime.evaluate.
type EvaluateParams struct {
	Expression string `json:"expression"`
}

// EvaluateResult is the result of Runtime.evaluate.
type EvaluateResult struct {
	Result RemoteObject `json:"result"`
}

// GetPropertiesParams are the arguments of Runtime.getProperties.
type GetPropertiesParams struct {
	ObjectID      string `json:"objectId"`
	OwnProperties bool   `json:"ownProperties,omitempty"`
}

// PropertyDescriptor is one property of a remote object.
type PropertyDescriptor struct {
	Name       string        `json:"name"`
	Value      *RemoteObject `json:"value,omitempty"`
	Enumerable bool          `json:"enumerable"`
	IsOwn      bool          `json:"isOwn,omitempty"`
}

// GetPropertiesResult is the result of Runtime.getProperties.
type GetPropertiesResult struct {
	Result []PropertyDescriptor `json:"result"`
}
