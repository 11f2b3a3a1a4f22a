// Package shell provides the backend side of a terminal session: connectors
// that start an interactive shell and a registry that tracks sessions
// between the bootstrap request and the WebSocket attach.
//
// Supported connectors:
//   - LocalConnector: a PTY running a local shell (development)
//   - KubeConnector: exec into a pod container through the API server
package shell

import (
	"context"
	"fmt"
)

// Session is the common interface for streaming shell connectors.
// Callers Write stdin bytes and Read stdout bytes; resize and close are
// driven by the WebSocket handler.
type Session interface {
	// Write sends bytes to the remote stdin (keyboard input).
	Write(p []byte) (n int, err error)
	// Read receives bytes from the remote stdout (terminal output).
	Read(p []byte) (n int, err error)
	// Resize changes the remote PTY dimensions.
	Resize(rows, cols uint16) error
	// Close terminates the session and frees all resources.
	Close() error
}

// Connector creates a Session for a target container.
// Implementations must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context, t Target) (Session, error)
}

// Target identifies the container a shell runs in.
type Target struct {
	Namespace string
	Pod       string
	Container string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Namespace, t.Pod, t.Container)
}
