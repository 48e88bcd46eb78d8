package thread

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/pkg/cdp/cdptest"
)

func TestBreakpointReleaseOnce(t *testing.T) {
	target := cdptest.NewTarget()
	r := NewBreakpointRegistry(target)
	bp := r.Ref("1:9:0:a.js")
	require.Same(t, bp, r.Ref("1:9:0:a.js"))

	require.NoError(t, bp.Release(context.Background()))
	require.Equal(t, 1, target.Count(cdp.DebuggerRemoveBreakpoint))
	raw, _ := target.Last(cdp.DebuggerRemoveBreakpoint)
	require.JSONEq(t, `{"breakpointId":"1:9:0:a.js"}`, string(raw))

	err := bp.Release(context.Background())
	require.True(t, errors.Is(err, ErrUnknownBreakpoint), "got %v", err)
	require.Equal(t, 1, target.Count(cdp.DebuggerRemoveBreakpoint))
	require.Zero(t, r.Len())
}

func TestBreakpointReleaseFailureKeepsIt(t *testing.T) {
	target := cdptest.NewTarget()
	target.Fail(cdp.DebuggerRemoveBreakpoint, "Breakpoint not found")
	r := NewBreakpointRegistry(target)
	bp := r.Ref("7")

	var cerr *cdp.Error
	require.True(t, errors.As(bp.Release(context.Background()), &cerr))
	got, ok := r.Get("7")
	require.True(t, ok)
	require.Same(t, bp, got)

	target.Reply(cdp.DebuggerRemoveBreakpoint, struct{}{})
	require.NoError(t, bp.Release(context.Background()))
	_, ok = r.Get("7")
	require.False(t, ok)
}

func TestBreakpointForget(t *testing.T) {
	target := cdptest.NewTarget()
	r := NewBreakpointRegistry(target)
	bp := r.Ref("1")
	r.forget()
	require.True(t, errors.Is(bp.Release(context.Background()), ErrUnknownBreakpoint))
	require.Zero(t, target.Count(cdp.DebuggerRemoveBreakpoint))
}
