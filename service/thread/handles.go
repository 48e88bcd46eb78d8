package thread

import (
	"fmt"

	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/pkg/preview"
)

// PauseHandle names one pause epoch. Generations are never reused within
// a session.
type PauseHandle struct {
	Gen uint64
}

// ValueHandle names a value owned by a pause epoch. It becomes stale when
// the epoch ends.
type ValueHandle struct {
	Gen   uint64
	Index int
}

// IsZero reports whether h names nothing.
func (h ValueHandle) IsZero() bool { return h.Gen == 0 }

func (h ValueHandle) String() string {
	return fmt.Sprintf("%d.%d", h.Gen, h.Index)
}

// pausePool is an arena of values tied to the current pause epoch. At most
// one epoch is open at a time; opening a new one releases the previous.
type pausePool struct {
	gen  uint64
	open bool
	vals []interface{}
}

func (p *pausePool) start() PauseHandle {
	p.gen++
	p.open = true
	p.vals = nil
	return PauseHandle{Gen: p.gen}
}

func (p *pausePool) release() {
	p.open = false
	p.vals = nil
}

func (p *pausePool) current() (PauseHandle, bool) {
	return PauseHandle{Gen: p.gen}, p.open
}

func (p *pausePool) valid(h PauseHandle) bool {
	return p.open && h.Gen == p.gen
}

func (p *pausePool) create(v interface{}) ValueHandle {
	p.vals = append(p.vals, v)
	return ValueHandle{Gen: p.gen, Index: len(p.vals) - 1}
}

func (p *pausePool) get(h ValueHandle) (interface{}, error) {
	if !p.open || h.Gen != p.gen || h.Index < 0 || h.Index >= len(p.vals) {
		return nil, fmt.Errorf("value %s: %w", h, ErrStaleHandle)
	}
	return p.vals[h.Index], nil
}

// remoteValue is a target object registered in a pause epoch. Its preview
// is loaded on first use.
type remoteValue struct {
	obj     cdp.RemoteObject
	preview *preview.Object
}

// Scope is one link of a frame's scope chain.
type Scope struct {
	Type   string
	Name   string
	Object ValueHandle
}

// Environment is the scope chain of a frame.
type Environment struct {
	Frame  FrameID
	Scopes []Scope
}
