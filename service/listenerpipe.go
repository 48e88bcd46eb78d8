package service

import (
	"errors"
	"io"
	"net"
	"sync"
)

// ListenerPipe returns a full-duplex in-memory connection, like net.Pipe,
// with one end wrapped in a net.Listener that hands it to the first
// Accept. Subsequent calls to Accept block until the listener is closed.
func ListenerPipe() (net.Listener, net.Conn) {
	server, client := net.Pipe()
	return newOneShotListener(server), client
}

// StdioListener serves a single client speaking on in and out, usually
// the standard input and output of the bridge. The connection ends when
// in reaches EOF.
func StdioListener(in io.Reader, out io.Writer) net.Listener {
	server, client := net.Pipe()
	go func() {
		io.Copy(client, in)
		client.Close()
	}()
	go func() {
		io.Copy(out, client)
	}()
	return newOneShotListener(server)
}

type oneShotListener struct {
	mu     sync.Mutex
	conn   net.Conn
	closed chan struct{}
	once   sync.Once
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{conn: conn, closed: make(chan struct{})}
}

// Accept returns the connection on the first call.
func (l *oneShotListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	<-l.closed
	return nil, errors.New("accept failed: listener closed")
}

func (l *oneShotListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *oneShotListener) Addr() net.Addr {
	return pipeAddr{}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
