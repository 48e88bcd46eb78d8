package service

import (
	"net"

	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/service/thread"
)

// Config provides the configuration to bridge a target and expose it with
// a service.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Target is the connected target. The server does not close it.
	Target cdp.Target
	// TargetTitle and TargetURL describe the target to clients.
	TargetTitle string
	TargetURL   string

	// Thread configures the debugging session created for each client.
	Thread thread.Config

	// StackTraceDepth is the maximum number of frames returned to clients
	// that do not ask for a specific count.
	StackTraceDepth int

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
