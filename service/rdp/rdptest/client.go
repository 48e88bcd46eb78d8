// Package rdptest provides a sample client with utilities
// for RDP mode testing.
package rdptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// readTimeout bounds how long the Expect helpers wait for a packet.
const readTimeout = 5 * time.Second

// Packet is a decoded packet from the server.
type Packet map[string]interface{}

// From returns the actor that sent p.
func (p Packet) From() string {
	s, _ := p["from"].(string)
	return s
}

// Type returns the type of an event or typed reply.
func (p Packet) Type() string {
	s, _ := p["type"].(string)
	return s
}

// String returns field key of p, or "" when it is not a string.
func (p Packet) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Object returns field key of p as an object.
func (p Packet) Object(key string) Packet {
	m, _ := p[key].(map[string]interface{})
	return Packet(m)
}

// List returns field key of p as a list of objects.
func (p Packet) List(key string) []Packet {
	l, _ := p[key].([]interface{})
	r := make([]Packet, 0, len(l))
	for _, v := range l {
		m, _ := v.(map[string]interface{})
		r = append(r, Packet(m))
	}
	return r
}

// Client is a debugger client that speaks the remote debugging protocol.
// All client methods are synchronous.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a new Client over a TCP connection.
// Call Close() to close the connection.
func NewClient(t *testing.T, addr string) *Client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal("dialing:", err)
	}
	return NewClientFromConn(conn)
}

// NewClientFromConn creates a new Client over an established connection.
func NewClientFromConn(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

// Send sends a request of the given type to actor. Extra fields are
// merged into the packet.
func (c *Client) Send(t *testing.T, to, typ string, fields map[string]interface{}) {
	t.Helper()
	req := map[string]interface{}{"to": to, "type": typ}
	for k, v := range fields {
		req[k] = v
	}
	if err := writePacket(c.conn, req); err != nil {
		t.Fatal("sending request:", err)
	}
}

// Expect reads the next packet.
func (c *Client) Expect(t *testing.T) Packet {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	data, err := readPacket(c.reader)
	if err != nil {
		t.Fatal("reading packet:", err)
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decoding packet %s: %v", data, err)
	}
	return p
}

// ExpectType reads the next packet and checks its type.
func (c *Client) ExpectType(t *testing.T, typ string) Packet {
	t.Helper()
	p := c.Expect(t)
	if p.Type() != typ {
		t.Fatalf("got packet %v, want type %q", p, typ)
	}
	return p
}

// ExpectError reads the next packet and checks it is the named error.
func (c *Client) ExpectError(t *testing.T, name string) Packet {
	t.Helper()
	p := c.Expect(t)
	if p.String("error") != name {
		t.Fatalf("got packet %v, want error %q", p, name)
	}
	return p
}

// ExpectNone checks that no packet arrives for a short while.
func (c *Client) ExpectNone(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	defer c.conn.SetReadDeadline(time.Time{})
	if _, err := c.reader.Peek(1); err == nil {
		t.Fatal("unexpected packet")
	}
}

// Request sends a request and returns the reply.
func (c *Client) Request(t *testing.T, to, typ string, fields map[string]interface{}) Packet {
	t.Helper()
	c.Send(t, to, typ, fields)
	return c.Expect(t)
}

// The client frames packets itself so that the server's own tests can
// use it.

func writePacket(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d:%s", len(data), data)
	return err
}

func readPacket(r *bufio.Reader) ([]byte, error) {
	prefix, err := r.ReadString(':')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(prefix[:len(prefix)-1])
	if err != nil {
		return nil, fmt.Errorf("bad packet length %q", prefix)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
