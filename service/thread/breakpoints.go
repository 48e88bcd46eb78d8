package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-delve/cdpbridge/pkg/cdp"
)

// Breakpoint is a breakpoint set in the target.
type Breakpoint struct {
	ID cdp.BreakpointID

	reg      *BreakpointRegistry
	released bool
}

// Release removes the breakpoint from the target. It may succeed only
// once.
func (b *Breakpoint) Release(ctx context.Context) error {
	return b.reg.Release(ctx, b.ID)
}

// BreakpointRegistry tracks outstanding breakpoints by target id.
type BreakpointRegistry struct {
	rpc cdp.Caller

	mu sync.Mutex
	m  map[cdp.BreakpointID]*Breakpoint
}

// NewBreakpointRegistry returns an empty registry removing breakpoints
// through rpc.
func NewBreakpointRegistry(rpc cdp.Caller) *BreakpointRegistry {
	return &BreakpointRegistry{rpc: rpc, m: make(map[cdp.BreakpointID]*Breakpoint)}
}

// Ref returns the breakpoint registered under id, registering it first if
// needed.
func (r *BreakpointRegistry) Ref(id cdp.BreakpointID) *Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bp, ok := r.m[id]; ok {
		return bp
	}
	bp := &Breakpoint{ID: id, reg: r}
	r.m[id] = bp
	return bp
}

// Get returns the breakpoint registered under id.
func (r *BreakpointRegistry) Get(id cdp.BreakpointID) (*Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.m[id]
	if !ok || bp.released {
		return nil, false
	}
	return bp, true
}

// Len returns the number of registered breakpoints.
func (r *BreakpointRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Release removes the breakpoint id from the target and forgets it. If
// the target refuses, the breakpoint stays registered.
func (r *BreakpointRegistry) Release(ctx context.Context, id cdp.BreakpointID) error {
	r.mu.Lock()
	bp, ok := r.m[id]
	if !ok || bp.released {
		r.mu.Unlock()
		return fmt.Errorf("breakpoint %s: %w", id, ErrUnknownBreakpoint)
	}
	bp.released = true
	r.mu.Unlock()

	err := r.rpc.Call(ctx, cdp.DebuggerRemoveBreakpoint, cdp.RemoveBreakpointParams{BreakpointID: id}, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		bp.released = false
		return fmt.Errorf("removing breakpoint %s: %w", id, err)
	}
	delete(r.m, id)
	return nil
}

// forget drops every breakpoint without telling the target.
func (r *BreakpointRegistry) forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = make(map[cdp.BreakpointID]*Breakpoint)
}
