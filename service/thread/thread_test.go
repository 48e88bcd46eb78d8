package thread

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/pkg/cdp/cdptest"
	"github.com/go-delve/cdpbridge/pkg/logflags"
)

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

const timeout = 5 * time.Second

type fixture struct {
	t      *testing.T
	target *cdptest.Target
	thread *Thread
	sub    *Subscription
}

func newFixture(t *testing.T, cfg Config) *fixture {
	target := cdptest.NewTarget()
	th, err := New(target, cfg)
	require.NoError(t, err)
	f := &fixture{t: t, target: target, thread: th, sub: th.Subscribe()}
	t.Cleanup(func() {
		f.sub.Cancel()
		th.Close()
	})
	return f
}

func (f *fixture) next() Event {
	f.t.Helper()
	select {
	case ev, ok := <-f.sub.C():
		require.True(f.t, ok, "subscription closed")
		return ev
	case <-time.After(timeout):
		f.t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func (f *fixture) expect(kind EventKind) Event {
	f.t.Helper()
	ev := f.next()
	require.Equal(f.t, kind, ev.Kind, "got %s event", ev.Kind)
	return ev
}

func (f *fixture) none() {
	f.t.Helper()
	select {
	case ev := <-f.sub.C():
		f.t.Fatalf("unexpected %s event", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fixture) attach() Event {
	f.t.Helper()
	require.NoError(f.t, f.thread.Attach(context.Background()))
	ev := f.expect(EventPaused)
	require.Equal(f.t, "attached", ev.Why)
	return ev
}

// pause makes the target report a real pause with frames given innermost
// first.
func (f *fixture) pause(reason string, frames ...cdp.CallFrame) Event {
	f.t.Helper()
	f.target.Paused(reason, frames...)
	ev := f.expect(EventPaused)
	require.Equal(f.t, reason, ev.Why)
	return ev
}

func TestAttach(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.attach()
	assert.Nil(t, ev.Frame)
	assert.Empty(t, ev.PoppedFrames)
	assert.Equal(t, Paused, f.thread.State())
	assert.Equal(t, []string{cdp.RuntimeEnable, cdp.DebuggerEnable, cdp.DebuggerPause}, f.target.Methods())
}

func TestAttachTwice(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()

	err := f.thread.Attach(context.Background())
	var serr *StateError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, Paused, serr.State)
	f.none()
	assert.Equal(t, 1, f.target.Count(cdp.DebuggerEnable))
}

func TestAttachTargetFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.target.Fail(cdp.DebuggerEnable, "Debugger agent is not enabled")

	var cerr *cdp.Error
	require.True(t, errors.As(f.thread.Attach(context.Background()), &cerr))
	assert.Equal(t, Detached, f.thread.State())
	f.none()
}

func TestAttachPauseFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.target.Fail(cdp.DebuggerPause, "boom")

	var cerr *cdp.Error
	require.True(t, errors.As(f.thread.Attach(context.Background()), &cerr))
	assert.Equal(t, Detached, f.thread.State())
	assert.Equal(t, []string{
		cdp.RuntimeEnable,
		cdp.DebuggerEnable,
		cdp.DebuggerPause,
		cdp.DebuggerDisable,
		cdp.RuntimeDisable,
	}, f.target.Methods())
	f.none()

	f.target.Succeed(cdp.DebuggerPause)
	f.attach()
	assert.Equal(t, Paused, f.thread.State())
}

func TestResumeNotPaused(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.thread.Resume(context.Background(), ResumeOptions{})
	require.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
	assert.Equal(t, Detached, f.thread.State())
	assert.Empty(t, f.target.Calls())
}

func TestResumeForceCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	err := f.thread.Resume(context.Background(), ResumeOptions{ForceCompletion: true})
	require.True(t, errors.Is(err, ErrUnsupported), "got %v", err)
	assert.Equal(t, Paused, f.thread.State())
}

// Resuming from the pause reported at attach time provokes the pause the
// target still owes and swallows it.
func TestResumeKick(t *testing.T) {
	f := newFixture(t, Config{})
	f.target.Handle(cdp.RuntimeEvaluate, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		assert.JSONEq(t, `{"expression":"5"}`, string(params))
		f.target.Paused("other", cdptest.Frame("k", "kick", "1", 0))
		if err := f.target.WaitCalls(ctx, cdp.DebuggerResume, 1); err != nil {
			return nil, err
		}
		return cdp.EvaluateResult{Result: cdp.RemoteObject{Type: "number", Value: json.RawMessage("5")}}, nil
	})
	f.attach()

	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{}))
	f.expect(EventResumed)
	f.none()
	assert.Equal(t, Running, f.thread.State())
	assert.Equal(t, []string{
		cdp.RuntimeEnable,
		cdp.DebuggerEnable,
		cdp.DebuggerPause,
		cdp.DebuggerSetPauseOnExceptions,
		cdp.RuntimeEvaluate,
		cdp.DebuggerResume,
		cdp.DebuggerSetPauseOnExceptions,
	}, f.target.Methods())
	assert.Equal(t, ExceptionsNone, f.thread.ExceptionState())
}

func TestResumeKickKeepsExceptionPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()

	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{PauseOnExceptions: true}))
	f.expect(EventResumed)
	// "all" was pushed for the kick and is also what the caller wants.
	assert.Equal(t, 1, f.target.Count(cdp.DebuggerSetPauseOnExceptions))
	assert.Zero(t, f.target.Count(cdp.DebuggerResume))
	assert.Equal(t, ExceptionsAll, f.thread.ExceptionState())
}

func TestRealPauseConsumesPseudoPause(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	f.pause("debugCommand", cdptest.Frame("0", "inner", "1", 3))

	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{Limit: LimitNext}))
	f.expect(EventResumed)
	assert.Zero(t, f.target.Count(cdp.RuntimeEvaluate))
	assert.Equal(t, 1, f.target.Count(cdp.DebuggerStepOver))
}

func TestResumeLimits(t *testing.T) {
	for _, tc := range []struct {
		limit  ResumeLimit
		method string
	}{
		{LimitNone, cdp.DebuggerResume},
		{LimitNext, cdp.DebuggerStepOver},
		{LimitStep, cdp.DebuggerStepInto},
		{LimitFinish, cdp.DebuggerStepOut},
	} {
		t.Run(string(tc.method), func(t *testing.T) {
			f := newFixture(t, Config{})
			f.attach()
			f.pause("breakpoint", cdptest.Frame("0", "main", "1", 0))
			require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{Limit: tc.limit}))
			f.expect(EventResumed)
			assert.Equal(t, 1, f.target.Count(tc.method))
		})
	}

	f := newFixture(t, Config{})
	f.attach()
	err := f.thread.Resume(context.Background(), ResumeOptions{Limit: "restart"})
	require.True(t, errors.Is(err, ErrUnsupported))
}

func TestResumeTargetFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	f.pause("breakpoint", cdptest.Frame("0", "main", "1", 0))
	f.target.Fail(cdp.DebuggerResume, "Can only perform operation while paused.")

	var cerr *cdp.Error
	require.True(t, errors.As(f.thread.Resume(context.Background(), ResumeOptions{}), &cerr))
	assert.Equal(t, Paused, f.thread.State())
	_, err := f.thread.Frames(0, 0)
	require.NoError(t, err)
	f.none()
}

func TestResumeKickFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	f.target.Fail(cdp.RuntimeEvaluate, "boom")

	var cerr *cdp.Error
	require.True(t, errors.As(f.thread.Resume(context.Background(), ResumeOptions{}), &cerr))
	assert.Equal(t, Paused, f.thread.State())
	assert.Equal(t, ExceptionsNone, f.thread.ExceptionState())
	assert.Equal(t, 2, f.target.Count(cdp.DebuggerSetPauseOnExceptions))
	raw, ok := f.target.Last(cdp.DebuggerSetPauseOnExceptions)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"none"}`, string(raw))
	f.none()

	// The outstanding pause is still owed, so the next resume kicks again.
	f.target.Succeed(cdp.RuntimeEvaluate)
	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{}))
	f.expect(EventResumed)
	assert.Equal(t, 2, f.target.Count(cdp.RuntimeEvaluate))
}

func TestStepFailureRestoresExceptionPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	f.pause("breakpoint", cdptest.Frame("0", "main", "1", 0))
	f.target.Fail(cdp.DebuggerStepOver, "boom")

	err := f.thread.Resume(context.Background(), ResumeOptions{Limit: LimitNext, PauseOnExceptions: true})
	var cerr *cdp.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, Paused, f.thread.State())
	assert.Equal(t, ExceptionsNone, f.thread.ExceptionState())
	raw, ok := f.target.Last(cdp.DebuggerSetPauseOnExceptions)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"none"}`, string(raw))
	f.none()
}

func TestExceptionStatePushedOnChange(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	step := func(opts ResumeOptions) {
		f.pause("other", cdptest.Frame("0", "main", "1", 0))
		require.NoError(t, f.thread.Resume(context.Background(), opts))
		f.expect(EventResumed)
	}
	step(ResumeOptions{PauseOnExceptions: true, IgnoreCaughtExceptions: true})
	assert.Equal(t, ExceptionsUncaught, f.thread.ExceptionState())
	step(ResumeOptions{PauseOnExceptions: true, IgnoreCaughtExceptions: true})
	step(ResumeOptions{PauseOnExceptions: false, IgnoreCaughtExceptions: true})
	assert.Equal(t, ExceptionsNone, f.thread.ExceptionState())

	var states []string
	for _, c := range f.target.Calls() {
		if c.Method == cdp.DebuggerSetPauseOnExceptions {
			var p cdp.SetPauseOnExceptionsParams
			require.NoError(t, json.Unmarshal(c.Params, &p))
			states = append(states, p.State)
		}
	}
	assert.Equal(t, []string{"uncaught", "none"}, states)
}

func TestPausedEvent(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	f.target.ScriptParsed("1", "http://example.com/app.js", 0, 99)
	f.expect(EventNewSource)

	ev := f.pause("breakpoint",
		cdptest.Frame("c", "inner", "1", 30),
		cdptest.Frame("b", "middle", "1", 20),
		cdptest.Frame("a", "outer", "1", 10),
	)
	require.NotNil(t, ev.Frame)
	assert.Equal(t, "inner", ev.Frame.CalleeName)
	assert.Equal(t, 0, ev.Frame.Depth)
	assert.Equal(t, "http://example.com/app.js", ev.Frame.Location.URL)
	assert.Equal(t, 31, ev.Frame.Location.Line)
	require.NotNil(t, ev.Frame.ReceiverPreview)
	assert.Equal(t, "Object", ev.Frame.ReceiverPreview.ClassName)

	frames, err := f.thread.Frames(0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, fr := range frames {
		assert.Equal(t, i, fr.Depth)
		assert.Equal(t, "call", fr.Type)
	}
	assert.Equal(t, "outer", frames[2].CalleeName)

	page, err := f.thread.Frames(1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "middle", page[0].CalleeName)

	// A second pause sharing the two outer frames pops only the inner one.
	ev = f.pause("other",
		cdptest.Frame("d", "other", "1", 40),
		cdptest.Frame("b", "middle", "1", 21),
		cdptest.Frame("a", "outer", "1", 10),
	)
	assert.Equal(t, []FrameID{frames[0].ID}, ev.PoppedFrames)
	again, err := f.thread.Frames(0, 0)
	require.NoError(t, err)
	assert.Equal(t, frames[1].ID, again[1].ID)
	assert.Equal(t, frames[2].ID, again[2].ID)
	assert.Equal(t, 22, again[1].Location.Line)

	// Resuming expires everything; the next pause reports it.
	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{}))
	f.expect(EventResumed)
	ev = f.pause("other", cdptest.Frame("e", "fresh", "1", 0))
	assert.ElementsMatch(t, []FrameID{again[0].ID, again[1].ID, again[2].ID}, ev.PoppedFrames)
}

func TestFramesNotPaused(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.thread.Frames(0, 0)
	require.True(t, errors.Is(err, ErrInvalidState))
}

func TestHandlesStaleAfterResume(t *testing.T) {
	f := newFixture(t, Config{})
	f.target.Reply(cdp.RuntimeGetProperties, cdp.GetPropertiesResult{Result: []cdp.PropertyDescriptor{
		{Name: "n", Enumerable: true, Value: &cdp.RemoteObject{Type: "number", Value: json.RawMessage("3"), Description: "3"}},
		{Name: "child", Enumerable: true, Value: &cdp.RemoteObject{Type: "object", ObjectID: "obj:child", Description: "Object"}},
	}})
	f.attach()
	frame := cdptest.Frame("0", "main", "1", 0)
	frame.ScopeChain = []cdp.Scope{{Type: "local", Object: cdp.RemoteObject{Type: "object", ObjectID: "scope:0"}}}
	ev := f.pause("breakpoint", frame)
	pause, ok := f.thread.CurrentPause()
	require.True(t, ok)
	assert.Equal(t, pause, ev.Pause)

	recv, err := f.thread.Object(context.Background(), ev.Frame.Receiver)
	require.NoError(t, err)
	require.Len(t, recv.Properties, 2)
	child, err := f.thread.Property(ev.Frame.Receiver, "child")
	require.NoError(t, err)

	env, err := f.thread.Environment(ev.Frame.Environment)
	require.NoError(t, err)
	require.Len(t, env.Scopes, 1)
	assert.Equal(t, "local", env.Scopes[0].Type)
	_, err = f.thread.Object(context.Background(), env.Scopes[0].Object)
	require.NoError(t, err)

	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{}))
	f.expect(EventResumed)
	_, ok = f.thread.CurrentPause()
	assert.False(t, ok)
	for _, h := range []ValueHandle{ev.Frame.Receiver, child, env.Scopes[0].Object} {
		_, err := f.thread.Object(context.Background(), h)
		assert.True(t, errors.Is(err, ErrStaleHandle), "handle %s: %v", h, err)
	}
	_, err = f.thread.Environment(ev.Frame.Environment)
	assert.True(t, errors.Is(err, ErrStaleHandle))
}

func TestSetBreakpoint(t *testing.T) {
	for _, tc := range []struct {
		name      string
		actual    int
		wantLine  int
		locations bool
	}{
		{"exact", 9, 0, true},
		{"snapped", 10, 11, true},
		{"pending", 0, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			res := cdp.SetBreakpointByURLResult{BreakpointID: "1:9:0:a.js"}
			if tc.locations {
				res.Locations = []cdp.Location{{ScriptID: "1", LineNumber: tc.actual}}
			}
			f.target.Reply(cdp.DebuggerSetBreakpointByURL, res)

			r, err := f.thread.SetBreakpoint(context.Background(), Location{URL: "a.js", Line: 10}, "x > 1")
			require.NoError(t, err)
			require.NotNil(t, r.Breakpoint)
			assert.Equal(t, cdp.BreakpointID("1:9:0:a.js"), r.Breakpoint.ID)
			if tc.wantLine == 0 {
				assert.Nil(t, r.ActualLocation)
			} else {
				require.NotNil(t, r.ActualLocation)
				assert.Equal(t, tc.wantLine, r.ActualLocation.Line)
				assert.Equal(t, "a.js", r.ActualLocation.URL)
			}

			raw, _ := f.target.Last(cdp.DebuggerSetBreakpointByURL)
			assert.JSONEq(t, `{"url":"a.js","lineNumber":9,"condition":"x > 1"}`, string(raw))
			_, ok := f.thread.Breakpoints().Get(r.Breakpoint.ID)
			assert.True(t, ok)

			require.NoError(t, r.Breakpoint.Release(context.Background()))
			assert.True(t, errors.Is(r.Breakpoint.Release(context.Background()), ErrUnknownBreakpoint))
		})
	}
}

func TestIgnoredScripts(t *testing.T) {
	f := newFixture(t, Config{IgnoredURLs: []string{"chrome-extension://"}})
	f.target.ScriptParsed("1", "", 0, 0)
	f.target.ScriptParsed("2", "about:firefox-resume-hack", 0, 0)
	f.target.ScriptParsed("3", "chrome-extension://abc/x.js", 0, 0)
	f.target.ScriptParsed("4", "http://example.com/a.js", 0, 0)

	ev := f.expect(EventNewSource)
	assert.Equal(t, "http://example.com/a.js", ev.Source.URL)
	f.none()
	sources := f.thread.Sources()
	require.Len(t, sources, 1)
	assert.False(t, sources[0].IsBlackBoxed)
	assert.False(t, sources[0].IsPrettyPrinted)
}

func TestSourceText(t *testing.T) {
	f := newFixture(t, Config{})
	f.target.Handle(cdp.DebuggerGetScriptSource, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p cdp.GetScriptSourceParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return cdp.GetScriptSourceResult{ScriptSource: "// script " + string(p.ScriptID)}, nil
	})
	f.target.ScriptParsed("7", "http://example.com/a.js", 0, 0)
	ev := f.expect(EventNewSource)

	text, err := f.thread.SourceText(context.Background(), ev.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, "// script 7", text)
	_, err = f.thread.SourceText(context.Background(), ev.Source.ID+1)
	assert.True(t, errors.Is(err, ErrNoSuchSource))
}

func TestInterrupt(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.thread.Interrupt(context.Background())
	require.True(t, errors.Is(err, ErrInvalidState))

	f.attach()
	f.pause("other", cdptest.Frame("0", "main", "1", 0))
	require.NoError(t, f.thread.Resume(context.Background(), ResumeOptions{}))
	f.expect(EventResumed)

	require.NoError(t, f.thread.Interrupt(context.Background()))
	ev := f.expect(EventPaused)
	assert.Equal(t, "interrupted", ev.Why)
	assert.Nil(t, ev.Frame)
	require.True(t, errors.Is(f.thread.Interrupt(context.Background()), ErrInvalidState))
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.thread.Reconfigure(map[string]interface{}{"useSourceMaps": true}))
	require.NoError(t, f.thread.Reconfigure(map[string]interface{}{"autoBlackBox": false}))
	assert.Equal(t, map[string]interface{}{"useSourceMaps": true, "autoBlackBox": false}, f.thread.Options())
}

func TestDetach(t *testing.T) {
	f := newFixture(t, Config{})
	require.True(t, errors.Is(f.thread.Detach(context.Background()), ErrInvalidState))

	f.target.ScriptParsed("1", "http://example.com/a.js", 0, 0)
	f.expect(EventNewSource)
	f.attach()
	f.pause("other", cdptest.Frame("0", "main", "1", 0))
	require.NoError(t, f.thread.Detach(context.Background()))
	assert.Equal(t, Detached, f.thread.State())
	assert.Empty(t, f.thread.Sources())
	_, ok := f.thread.CurrentPause()
	assert.False(t, ok)

	f.attach()
	assert.Equal(t, 2, f.target.Count(cdp.DebuggerEnable))
	assert.Equal(t, 1, f.target.Count(cdp.DebuggerDisable))
}

func TestClose(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	require.NoError(t, f.thread.Close())
	f.expect(EventExited)
	_, ok := <-f.sub.C()
	assert.False(t, ok)
	assert.Equal(t, Exited, f.thread.State())

	sub := f.thread.Subscribe()
	defer sub.Cancel()
	err := f.thread.Attach(context.Background())
	assert.True(t, errors.Is(err, ErrExited), "got %v", err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	select {
	case ev := <-sub.C():
		assert.Equal(t, EventExited, ev.Kind)
	case <-time.After(timeout):
		t.Fatal("exited was not re-emitted")
	}
	assert.True(t, errors.Is(f.thread.Reconfigure(nil), ErrExited))
}

func TestTargetGone(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach()
	f.target.Close()
	f.expect(EventExited)
	select {
	case <-f.thread.Done():
	case <-time.After(timeout):
		t.Fatal("thread did not stop")
	}
	assert.Equal(t, Exited, f.thread.State())
}
