// Package transport carries terminal I/O between a terminal.View and the
// backend shell. Two wire variants exist: TTY speaks the single-byte command
// protocol over a "tty" WebSocket and reconnects on abnormal close; SockJS
// speaks JSON Op frames over SockJS's websocket transport and does not.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
	"github.com/karmada-io/karmada-terminal/internal/protocol"
)

const (
	handshakeTimeout    = 10 * time.Second
	defaultTokenTimeout = 10 * time.Second
	eventQueueSize      = 256
	overlayTimeout      = 300 * time.Millisecond
)

// State is where a transport is in its connection lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateReconnecting     State = "reconnecting"
	StateAwaitingKeypress State = "awaiting-keypress"
	StateClosed           State = "closed"
)

// Session is what the rest of the client sees of a transport.
type Session interface {
	// Kind reports the wire variant.
	Kind() protocol.Kind
	// Connect starts a connection attempt. It is a no-op while a
	// connection is being made or is open.
	Connect()
	// SendData sends keystrokes. Data is dropped when not open.
	SendData(data string)
	// SendBinary sends raw input bytes. Data is dropped when not open.
	SendBinary(p []byte)
	// OnOutput subscribes to shell output as it arrives.
	OnOutput(fn func([]byte)) disposable.Disposable
	// OnClose subscribes to connection close codes.
	OnClose(fn func(code int)) disposable.Disposable
	// State reports the lifecycle state.
	State() State
	// Done is closed once the session has finished for good.
	Done() <-chan struct{}
	// Close ends the session with a normal close.
	Close() error
}

// TokenSource issues auth tokens for the connection handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// TitleSink receives window titles.
type TitleSink interface {
	SetTitle(title string)
}

// TitleFunc adapts a function to TitleSink.
type TitleFunc func(title string)

func (f TitleFunc) SetTitle(title string) { f(title) }

type nopTitleSink struct{}

func (nopTitleSink) SetTitle(string) {}

// WebSocketURL rewrites an http(s) URL to its ws(s) form.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
