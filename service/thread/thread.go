// Package thread bridges one debugged target to clients that expect a
// thread with durable frames, sources and breakpoints. It keeps the
// session state machine and translates between the two protocols' views
// of the stack and of source text.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/pkg/logflags"
	"github.com/go-delve/cdpbridge/pkg/preview"
)

// resumeHackURL is the url of a script some targets inject to implement
// resuming. It is never shown to clients.
const resumeHackURL = "about:firefox-resume-hack"

// kickExpression is evaluated to bring the target to a statement boundary.
const kickExpression = "5"

// Config configures a Thread.
type Config struct {
	// IgnoredURLs lists url prefixes of scripts hidden from clients.
	IgnoredURLs []string
	// PreviewCacheSize is the number of receiver previews kept per pause.
	PreviewCacheSize int
}

// ResumeOptions are the arguments of Resume.
type ResumeOptions struct {
	Limit                  ResumeLimit
	PauseOnExceptions      bool
	IgnoreCaughtExceptions bool
	ForceCompletion        bool
}

// SetBreakpointResult is the result of SetBreakpoint. ActualLocation is
// nil when the target placed the breakpoint on the requested line.
type SetBreakpointResult struct {
	Breakpoint     *Breakpoint
	ActualLocation *Location
}

// Thread is the debugging session of one target.
type Thread struct {
	target   cdp.Target
	sub      *cdp.Subscription
	previews *preview.Loader
	cfg      Config
	log      logflags.Logger
	events   eventHub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu is held while session state is examined or changed and released
	// around every call to the target.
	mu             sync.Mutex
	state          State
	exceptionState ExceptionState
	options        map[string]interface{}
	attaching      bool
	detaching      bool

	// pendingPause is set while a pause requested from the target has not
	// been observed. resuming is set for the duration of Resume.
	// resumeIssued is set between sending a resume command and committing
	// it, which happens on its acknowledgement or on the next pause.
	pendingPause bool
	resuming     bool
	resumeIssued bool

	pool        pausePool
	stack       *Stack
	nextFrameID FrameID
	sources     *SourceRegistry
	breakpoints *BreakpointRegistry
}

// New returns a detached Thread for target and starts consuming its
// events. Close releases it.
func New(target cdp.Target, cfg Config) (*Thread, error) {
	previews, err := preview.NewLoader(target, cfg.PreviewCacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		target:         target,
		previews:       previews,
		cfg:            cfg,
		log:            logflags.ThreadLogger().WithField("session", uuid.NewString()),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          Detached,
		exceptionState: ExceptionsNone,
		options:        make(map[string]interface{}),
		breakpoints:    NewBreakpointRegistry(target),
	}
	t.stack = newStack(t.newFrameID)
	t.sources = NewSourceRegistry(t.fetchScript)
	t.sub = target.Subscribe()
	go t.dispatch()
	return t, nil
}

func (t *Thread) newFrameID() FrameID {
	t.nextFrameID++
	return t.nextFrameID
}

func (t *Thread) fetchScript(ctx context.Context, id cdp.ScriptID) (string, error) {
	var res cdp.GetScriptSourceResult
	if err := t.target.Call(ctx, cdp.DebuggerGetScriptSource, cdp.GetScriptSourceParams{ScriptID: id}, &res); err != nil {
		return "", err
	}
	return res.ScriptSource, nil
}

// call issues a target request with t.mu released.
func (t *Thread) call(ctx context.Context, method string, params, result interface{}) error {
	t.mu.Unlock()
	defer t.mu.Lock()
	return t.target.Call(ctx, method, params, result)
}

// Subscribe returns a subscription to the events of t.
func (t *Thread) Subscribe() *Subscription {
	return t.events.subscribe()
}

// State returns the current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the session has exited and stopped consuming
// target events.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Attach enables debugging in the target and reports a pause with reason
// "attached". It is only legal while detached.
func (t *Thread) Attach(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Exited {
		t.events.emit(Event{Kind: EventExited})
	}
	if t.state != Detached {
		return &StateError{Op: "attach", State: t.state}
	}
	if t.attaching {
		return fmt.Errorf("attach: %w: attach already in progress", ErrInvalidState)
	}
	t.attaching = true
	defer func() { t.attaching = false }()

	if err := t.call(ctx, cdp.RuntimeEnable, nil, nil); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := t.call(ctx, cdp.DebuggerEnable, nil, nil); err != nil {
		t.disableDomainsLocked(ctx, cdp.RuntimeDisable)
		return fmt.Errorf("attach: %w", err)
	}
	if t.state != Detached {
		return &StateError{Op: "attach", State: t.state}
	}
	t.state = Attached
	t.log.Debugf("attached")
	if err := t.pseudoPauseLocked(ctx, "attached"); err != nil {
		if t.state == Attached {
			t.state = Detached
			t.disableDomainsLocked(ctx, cdp.DebuggerDisable, cdp.RuntimeDisable)
		}
		return err
	}
	return nil
}

// disableDomainsLocked undoes a partial attach. Failures are only logged:
// the caller already reports the error that caused the rollback.
func (t *Thread) disableDomainsLocked(ctx context.Context, methods ...string) {
	for _, m := range methods {
		if err := t.call(ctx, m, nil, nil); err != nil {
			t.log.WithError(err).Warnf("rolling back attach: %s", m)
		}
	}
}

// Interrupt asks the target to pause and reports a pause with reason
// "interrupted" without waiting for the target to stop.
func (t *Thread) Interrupt(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Attached && t.state != Running {
		return &StateError{Op: "interrupt", State: t.state}
	}
	return t.pseudoPauseLocked(ctx, "interrupted")
}

// pseudoPauseLocked requests a pause and reports it to clients at once.
// The target only stops at its next statement boundary, which may never
// come; Resume deals with the outstanding request.
func (t *Thread) pseudoPauseLocked(ctx context.Context, why string) error {
	before, _ := t.pool.current()
	state := t.state
	if err := t.call(ctx, cdp.DebuggerPause, nil, nil); err != nil {
		return fmt.Errorf("%s: %w", why, err)
	}
	if cur, _ := t.pool.current(); cur != before || t.state != state {
		// The target paused, or the session changed, while the request
		// was in flight.
		return nil
	}
	t.pendingPause = true
	t.startPauseLocked(t.ctx, why)
	return nil
}

// startPauseLocked opens a new pause epoch, resolves the receivers of the
// live frames and reports the pause. Nothing is reported if the epoch
// ended while receivers were loading.
func (t *Thread) startPauseLocked(ctx context.Context, why string) {
	h := t.pool.start()

	frames := append([]*Frame(nil), t.stack.frames...)
	previews := make([]*preview.Object, len(frames))
	for i, f := range frames {
		if f.pause == h {
			continue
		}
		t.mu.Unlock()
		p, err := t.previews.Load(ctx, f.record.This)
		t.mu.Lock()
		if !t.pool.valid(h) {
			t.log.Debugf("pause %d superseded while loading receivers", h.Gen)
			return
		}
		if err != nil {
			t.log.WithError(err).Warnf("loading receiver of frame %d", f.id)
		}
		previews[i] = p
	}
	for i, f := range frames {
		if f.pause == h {
			continue
		}
		f.pause = h
		f.receiverPreview = previews[i]
		f.receiver = t.pool.create(&remoteValue{obj: f.record.This, preview: previews[i]})
		env := &Environment{Frame: f.id}
		for _, sc := range f.record.ScopeChain {
			env.Scopes = append(env.Scopes, Scope{
				Type:   sc.Type,
				Name:   sc.Name,
				Object: t.pool.create(&remoteValue{obj: sc.Object}),
			})
		}
		f.environment = t.pool.create(env)
	}

	t.state = Paused
	ev := Event{Kind: EventPaused, Pause: h, Why: why, PoppedFrames: []FrameID{}}
	if f := t.stack.YoungestFrame(); f != nil {
		form := t.frameFormLocked(f)
		ev.Frame = &form
	}
	for _, f := range t.stack.ProcessExpired() {
		ev.PoppedFrames = append(ev.PoppedFrames, f.id)
	}
	t.log.Debugf("paused (%s), pause %d, %d frames", why, h.Gen, t.stack.Len())
	t.events.emit(ev)
}

// finishResumeLocked commits an issued resume: the pause epoch ends, the
// frames expire and clients are told the target runs.
func (t *Thread) finishResumeLocked() {
	if !t.resumeIssued {
		return
	}
	t.resumeIssued = false
	t.pool.release()
	t.stack.UpdateFrames(nil)
	t.previews.Purge()
	t.state = Running
	t.log.Debugf("resumed")
	t.events.emit(Event{Kind: EventResumed})
}

// Resume lets the target run, possibly for a single step. It is only
// legal while paused.
func (t *Thread) Resume(ctx context.Context, opts ResumeOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Paused {
		return &StateError{Op: "resume", State: t.state}
	}
	if t.resuming {
		return fmt.Errorf("resume: %w: resume already in progress", ErrInvalidState)
	}
	if opts.ForceCompletion {
		return fmt.Errorf("resume: %w: forced completion", ErrUnsupported)
	}
	var command string
	switch opts.Limit {
	case LimitNone:
		command = cdp.DebuggerResume
	case LimitNext:
		command = cdp.DebuggerStepOver
	case LimitStep:
		command = cdp.DebuggerStepInto
	case LimitFinish:
		command = cdp.DebuggerStepOut
	default:
		return fmt.Errorf("resume: %w: resume limit %q", ErrUnsupported, opts.Limit)
	}

	t.resuming = true
	defer func() { t.resuming = false }()
	desired := exceptionState(opts.PauseOnExceptions, opts.IgnoreCaughtExceptions)

	prev := t.exceptionState

	if t.pendingPause {
		// The target still owes us the pause we reported. Make it reach a
		// statement boundary; the pause it produces is resumed by the
		// event handler.
		if err := t.updateExceptionStateLocked(ctx, ExceptionsAll); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		t.log.Debugf("kicking target to collapse outstanding pause")
		if err := t.call(ctx, cdp.RuntimeEvaluate, cdp.EvaluateParams{Expression: kickExpression}, nil); err != nil {
			t.restoreExceptionStateLocked(ctx, prev)
			return fmt.Errorf("resume: %w", err)
		}
		t.pendingPause = false
		if t.state != Paused {
			return nil
		}
		t.resumeIssued = true
		err := t.updateExceptionStateLocked(ctx, desired)
		t.finishResumeLocked()
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		return nil
	}

	h, _ := t.pool.current()
	if err := t.updateExceptionStateLocked(ctx, desired); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if !t.pool.valid(h) {
		return nil
	}
	t.resumeIssued = true
	if err := t.call(ctx, command, nil, nil); err != nil {
		if t.resumeIssued {
			t.resumeIssued = false
			t.restoreExceptionStateLocked(ctx, prev)
			return fmt.Errorf("resume: %w", err)
		}
		// A pause arrived before the failure; the resume took effect.
		return nil
	}
	t.finishResumeLocked()
	return nil
}

func (t *Thread) updateExceptionStateLocked(ctx context.Context, state ExceptionState) error {
	if t.exceptionState == state {
		return nil
	}
	if err := t.call(ctx, cdp.DebuggerSetPauseOnExceptions, cdp.SetPauseOnExceptionsParams{State: string(state)}, nil); err != nil {
		return err
	}
	t.exceptionState = state
	return nil
}

// restoreExceptionStateLocked puts back the policy a failed resume
// replaced. A failure leaves exceptionState at what the target last
// accepted.
func (t *Thread) restoreExceptionStateLocked(ctx context.Context, state ExceptionState) {
	if err := t.updateExceptionStateLocked(ctx, state); err != nil {
		t.log.WithError(err).Warnf("restoring exception policy %q", state)
	}
}

// ExceptionState returns the exception pause policy last pushed to the
// target.
func (t *Thread) ExceptionState() ExceptionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exceptionState
}

// Reconfigure merges opts into the session options.
func (t *Thread) Reconfigure(opts map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Exited {
		return &StateError{Op: "reconfigure", State: t.state}
	}
	for k, v := range opts {
		t.options[k] = v
	}
	return nil
}

// Options returns a copy of the session options.
func (t *Thread) Options() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := make(map[string]interface{}, len(t.options))
	for k, v := range t.options {
		r[k] = v
	}
	return r
}

// SetBreakpoint sets a breakpoint at the 1-based loc in the target.
func (t *Thread) SetBreakpoint(ctx context.Context, loc Location, condition string) (*SetBreakpointResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Exited {
		return nil, &StateError{Op: "setBreakpoint", State: t.state}
	}
	var res cdp.SetBreakpointByURLResult
	err := t.call(ctx, cdp.DebuggerSetBreakpointByURL, cdp.SetBreakpointByURLParams{
		URL:          loc.URL,
		LineNumber:   loc.Line - 1,
		ColumnNumber: loc.Column,
		Condition:    condition,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("setting breakpoint at %s:%d: %w", loc.URL, loc.Line, err)
	}

	r := &SetBreakpointResult{Breakpoint: t.breakpoints.Ref(res.BreakpointID)}
	if len(res.Locations) > 0 {
		actual := res.Locations[0]
		if actual.LineNumber+1 != loc.Line {
			r.ActualLocation = &Location{
				Source: loc.Source,
				URL:    loc.URL,
				Line:   actual.LineNumber + 1,
				Column: actual.ColumnNumber,
			}
		}
	}
	return r, nil
}

// Breakpoints returns the breakpoint registry of the session.
func (t *Thread) Breakpoints() *BreakpointRegistry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breakpoints
}

// Frames returns count frames starting at depth start, innermost first.
// A count of zero or less returns every frame from start on.
func (t *Thread) Frames(start, count int) ([]FrameForm, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Paused {
		return nil, &StateError{Op: "frames", State: t.state}
	}
	frames := t.stack.Innermost()
	if start < 0 {
		start = 0
	}
	if start > len(frames) {
		start = len(frames)
	}
	end := len(frames)
	if count > 0 && start+count < end {
		end = start + count
	}
	forms := make([]FrameForm, 0, end-start)
	for _, f := range frames[start:end] {
		forms = append(forms, t.frameFormLocked(f))
	}
	return forms, nil
}

// Frame returns the live frame with the given id.
func (t *Thread) Frame(id FrameID) (FrameForm, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Paused {
		return FrameForm{}, &StateError{Op: "frame", State: t.state}
	}
	f := t.stack.Frame(id)
	if f == nil {
		return FrameForm{}, fmt.Errorf("frame %d: %w", id, ErrNoSuchFrame)
	}
	return t.frameFormLocked(f), nil
}

// Sources lists the source documents seen so far.
func (t *Thread) Sources() []SourceForm {
	t.mu.Lock()
	sources := t.sources
	t.mu.Unlock()
	return sources.Sources()
}

// Source returns the document with the given id.
func (t *Thread) Source(id SourceID) (SourceForm, error) {
	t.mu.Lock()
	sources := t.sources
	t.mu.Unlock()
	return sources.Lookup(id)
}

// SourceByURL returns the document for url, if any script was loaded from
// it.
func (t *Thread) SourceByURL(url string) (SourceForm, bool) {
	t.mu.Lock()
	sources := t.sources
	t.mu.Unlock()
	return sources.LookupURL(url)
}

// SourceText returns the full text of a source document.
func (t *Thread) SourceText(ctx context.Context, id SourceID) (string, error) {
	t.mu.Lock()
	sources := t.sources
	t.mu.Unlock()
	return sources.CacheSource(ctx, id)
}

// Environment returns the scope chain registered under h.
func (t *Thread) Environment(h ValueHandle) (*Environment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, err := t.pool.get(h)
	if err != nil {
		return nil, err
	}
	env, ok := v.(*Environment)
	if !ok {
		return nil, fmt.Errorf("value %s is not an environment: %w", h, ErrStaleHandle)
	}
	return env, nil
}

// Object returns the preview of the object registered under h, loading
// it from the target on first use.
func (t *Thread) Object(ctx context.Context, h ValueHandle) (*preview.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rv, err := t.remoteValueLocked(h)
	if err != nil {
		return nil, err
	}
	if rv.preview != nil {
		return rv.preview, nil
	}
	t.mu.Unlock()
	p, err := t.previews.Load(ctx, rv.obj)
	t.mu.Lock()
	if err != nil {
		return nil, err
	}
	if _, err := t.pool.get(h); err != nil {
		return nil, err
	}
	rv.preview = p
	return p, nil
}

// Property registers the object held by property name of the object
// under h and returns its handle. The parent preview must be loaded.
func (t *Thread) Property(h ValueHandle, name string) (ValueHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rv, err := t.remoteValueLocked(h)
	if err != nil {
		return ValueHandle{}, err
	}
	if rv.preview == nil {
		return ValueHandle{}, fmt.Errorf("value %s has not been loaded", h)
	}
	for _, p := range rv.preview.Properties {
		if p.Name == name && p.ObjectID != "" {
			return t.pool.create(&remoteValue{obj: cdp.RemoteObject{Type: p.Type, Description: p.Value, ObjectID: p.ObjectID}}), nil
		}
	}
	return ValueHandle{}, fmt.Errorf("value %s has no object property %q", h, name)
}

func (t *Thread) remoteValueLocked(h ValueHandle) (*remoteValue, error) {
	v, err := t.pool.get(h)
	if err != nil {
		return nil, err
	}
	rv, ok := v.(*remoteValue)
	if !ok {
		return nil, fmt.Errorf("value %s is not an object: %w", h, ErrStaleHandle)
	}
	return rv, nil
}

// CurrentPause returns the open pause epoch, if any.
func (t *Thread) CurrentPause() (PauseHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.current()
}

// Detach disables debugging in the target and returns to the detached
// state. Breakpoints and sources are forgotten.
func (t *Thread) Detach(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Attached, Paused, Running:
	default:
		return &StateError{Op: "detach", State: t.state}
	}
	if t.detaching {
		return fmt.Errorf("detach: %w: detach already in progress", ErrInvalidState)
	}
	t.detaching = true
	defer func() { t.detaching = false }()

	if err := t.call(ctx, cdp.DebuggerDisable, nil, nil); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	if err := t.call(ctx, cdp.RuntimeDisable, nil, nil); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	if t.state == Exited {
		return nil
	}
	t.resetLocked()
	t.state = Detached
	t.log.Debugf("detached")
	return nil
}

func (t *Thread) resetLocked() {
	t.pool.release()
	t.stack.UpdateFrames(nil)
	t.stack.ProcessExpired()
	t.previews.Purge()
	t.pendingPause = false
	t.resumeIssued = false
	t.exceptionState = ExceptionsNone
	t.breakpoints.forget()
	t.sources = NewSourceRegistry(t.fetchScript)
}

// Close ends the session: the state becomes exited and subscribers get a
// final exited event. The target itself is left alone.
func (t *Thread) Close() error {
	t.sub.Cancel()
	t.exit()
	<-t.done
	return nil
}

func (t *Thread) exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Exited {
		return
	}
	t.cancel()
	t.pool.release()
	t.stack.UpdateFrames(nil)
	t.stack.ProcessExpired()
	t.pendingPause = false
	t.resumeIssued = false
	t.state = Exited
	t.log.Debugf("exited")
	t.events.emit(Event{Kind: EventExited})
}

func (t *Thread) dispatch() {
	defer close(t.done)
	for ev := range t.sub.C() {
		t.handleEvent(ev)
	}
	t.exit()
}

func (t *Thread) handleEvent(ev cdp.Event) {
	switch ev.Method {
	case cdp.EventScriptParsed:
		var params cdp.ScriptParsedEvent
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			t.log.WithError(err).Warnf("malformed %s", ev.Method)
			return
		}
		t.onScriptParsed(&params)
	case cdp.EventPaused:
		var params cdp.PausedEvent
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			t.log.WithError(err).Warnf("malformed %s", ev.Method)
			return
		}
		t.onPaused(&params)
	case cdp.EventResumed, cdp.EventExecutionContextCreated, cdp.EventExecutionContextDestroyed, cdp.EventExecutionContextsCleared:
	default:
		t.log.Debugf("ignoring event %s", ev.Method)
	}
}

func (t *Thread) ignoredURL(url string) bool {
	if url == "" || url == resumeHackURL {
		return true
	}
	for _, prefix := range t.cfg.IgnoredURLs {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func (t *Thread) onScriptParsed(params *cdp.ScriptParsedEvent) {
	if t.ignoredURL(params.URL) {
		t.log.Debugf("ignoring script %s with url %q", params.ScriptID, params.URL)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Exited {
		return
	}
	form, _ := t.sources.SourceRef(params.URL, params)
	t.events.emit(Event{Kind: EventNewSource, Source: &form})
}

func (t *Thread) onPaused(params *cdp.PausedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Detached, Exited:
		t.log.Debugf("ignoring pause while %s", t.state)
		return
	}
	if t.resuming && t.pendingPause {
		// This is the pause the kick provoked.
		if err := t.call(t.ctx, cdp.DebuggerResume, nil, nil); err != nil {
			t.log.WithError(err).Warnf("resuming after kick")
		}
		return
	}
	t.finishResumeLocked()
	if !t.resuming {
		t.pendingPause = false
	}

	records := make([]cdp.CallFrame, len(params.CallFrames))
	for i, f := range params.CallFrames {
		records[len(records)-1-i] = f
	}
	t.stack.UpdateFrames(records)
	t.startPauseLocked(t.ctx, params.Reason)
}
