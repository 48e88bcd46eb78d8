// Package cdptest provides an in-memory target for tests of code built on
// package cdp.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-delve/cdpbridge/pkg/cdp"
)

// Handler answers one request. The returned value is marshalled into the
// caller's result.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Call records one request received by a Target.
type Call struct {
	Method string
	Params json.RawMessage
}

// Target is a scriptable cdp.Target. Methods without a handler succeed with
// an empty result.
type Target struct {
	cdp.Hub

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	changed  chan struct{}
}

var _ cdp.Target = (*Target)(nil)

// NewTarget returns a target that accepts every request.
func NewTarget() *Target {
	return &Target{
		handlers: make(map[string]Handler),
		changed:  make(chan struct{}),
	}
}

// Handle installs h for method, replacing any previous handler.
func (t *Target) Handle(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

// Reply makes method answer with a fixed result.
func (t *Target) Reply(method string, result interface{}) {
	t.Handle(method, func(context.Context, json.RawMessage) (interface{}, error) {
		return result, nil
	})
}

// Fail makes method answer with a target error.
func (t *Target) Fail(method, message string) {
	t.Handle(method, func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, &cdp.Error{Code: -32000, Message: message}
	})
}

// Succeed removes the handler of method, so it succeeds again with an
// empty result.
func (t *Target) Succeed(method string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, method)
}

func (t *Target) Call(ctx context.Context, method string, params, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.calls = append(t.calls, Call{Method: method, Params: raw})
	h := t.handlers[method]
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()

	if h == nil {
		return nil
	}
	v, err := h(ctx, raw)
	if err != nil {
		return err
	}
	if result == nil || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

// Emit publishes an event as if the target had sent it.
func (t *Target) Emit(method string, params interface{}) {
	data, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("cdptest: marshal %s: %v", method, err))
	}
	t.Publish(cdp.Event{Method: method, Params: data})
}

// Calls returns every request received so far.
func (t *Target) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Methods returns the method names of every request received so far.
func (t *Target) Methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := make([]string, len(t.calls))
	for i := range t.calls {
		r[i] = t.calls[i].Method
	}
	return r
}

// Count returns how many times method was called.
func (t *Target) Count(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked(method)
}

func (t *Target) countLocked(method string) int {
	n := 0
	for i := range t.calls {
		if t.calls[i].Method == method {
			n++
		}
	}
	return n
}

// Last returns the params of the most recent call to method.
func (t *Target) Last(method string) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.calls) - 1; i >= 0; i-- {
		if t.calls[i].Method == method {
			return t.calls[i].Params, true
		}
	}
	return nil, false
}

// WaitCalls blocks until method has been called at least n times.
func (t *Target) WaitCalls(ctx context.Context, method string, n int) error {
	for {
		t.mu.Lock()
		if t.countLocked(method) >= n {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d calls to %s: %w", n, method, ctx.Err())
		}
	}
}
