// Package cdp is a client for the target side of the bridge: a runtime
// speaking the Chrome DevTools protocol. It correlates requests with their
// responses and fans notifications out to subscribers in arrival order.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-delve/cdpbridge/pkg/logflags"
)

// Caller issues requests to the target.
type Caller interface {
	Call(ctx context.Context, method string, params, result interface{}) error
}

// Target is a Caller that also reports target events.
type Target interface {
	Caller
	Subscribe() *Subscription
}

// Transport moves whole protocol messages.
type Transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// ErrClosed is returned by Call after the client has been closed or the
// transport has failed.
var ErrClosed = errors.New("target connection closed")

// Error is an error reported by the target in reply to a request.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("target error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("target error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// message is anything the target sends: a response carries ID, an event
// carries Method.
type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type pendingCall struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Client is a connection to one target.
type Client struct {
	Hub

	transport Transport
	log       logflags.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient starts reading from transport. Close releases it.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		log:       logflags.CDPLogger(),
		pending:   make(map[int64]*pendingCall),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Done is closed when the connection to the target is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the transport. Outstanding calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.shutdown(ErrClosed)
	return err
}

// Call sends method with params and decodes the reply into result, which
// may be nil. Every call is sent at most once.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{done: make(chan struct{})}
	c.pending[id] = pc
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	if logflags.CDPWire() {
		c.log.Debugf("-> %s", data)
	}
	if err := c.transport.Send(data); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-pc.done:
	}
	if pc.err != nil {
		return pc.err
	}
	if result == nil || len(pc.result) == 0 {
		return nil
	}
	if err := json.Unmarshal(pc.result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) receiveLoop() {
	for {
		data, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debugf("connection lost: %v", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if logflags.CDPWire() {
			c.log.Debugf("<- %s", data)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("dropping malformed message: %v", err)
			continue
		}
		if msg.ID != 0 {
			c.resolve(&msg)
			continue
		}
		if msg.Method == "" {
			c.log.Warnf("dropping message with neither id nor method: %s", data)
			continue
		}
		c.Publish(Event{Method: msg.Method, Params: msg.Params})
	}
}

func (c *Client) resolve(msg *message) {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("response to unknown or abandoned request %d", msg.ID)
		return
	}
	if msg.Error != nil {
		pc.err = msg.Error
	} else {
		pc.result = msg.Result
	}
	close(pc.done)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = make(map[int64]*pendingCall)
		c.mu.Unlock()
		for _, pc := range pending {
			pc.err = err
			close(pc.done)
		}
		c.Hub.Close()
		close(c.done)
	})
}
