package cdptest

import "github.com/go-delve/cdpbridge/pkg/cdp"

// ScriptParsed emits Debugger.scriptParsed for a script spanning lines
// startLine..endLine.
func (t *Target) ScriptParsed(id cdp.ScriptID, url string, startLine, endLine int) {
	t.Emit(cdp.EventScriptParsed, cdp.ScriptParsedEvent{
		ScriptID:  id,
		URL:       url,
		StartLine: startLine,
		EndLine:   endLine,
	})
}

// Paused emits Debugger.paused. Frames are given innermost first, the way
// the target reports them.
func (t *Target) Paused(reason string, frames ...cdp.CallFrame) {
	if frames == nil {
		frames = []cdp.CallFrame{}
	}
	t.Emit(cdp.EventPaused, cdp.PausedEvent{Reason: reason, CallFrames: frames})
}

// Resumed emits Debugger.resumed.
func (t *Target) Resumed() {
	t.Emit(cdp.EventResumed, struct{}{})
}

// Frame builds a call frame whose receiver is a plain object.
func Frame(id cdp.CallFrameID, fn string, script cdp.ScriptID, line int) cdp.CallFrame {
	return cdp.CallFrame{
		CallFrameID:  id,
		FunctionName: fn,
		Location:     cdp.Location{ScriptID: script, LineNumber: line},
		This: cdp.RemoteObject{
			Type:        "object",
			ClassName:   "Object",
			Description: "Object",
			ObjectID:    "this:" + string(id),
		},
	}
}
