package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// LeaveMessage asks for confirmation before leaving an open session.
	LeaveMessage = "Close terminal? this will also terminate the command."

	leaveWindow = 2 * time.Second
	readSize    = 1024
)

// ErrDetached is returned by Input.Run when the user leaves with the escape
// key.
var ErrDetached = errors.New("console: detached")

// ParseEscapeKey parses a key such as "ctrl-]" into its byte. "none" or an
// empty string disables the escape key.
func ParseEscapeKey(s string) (key byte, ok bool, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return 0, false, nil
	}
	name, found := strings.CutPrefix(s, "ctrl-")
	if !found || len(name) != 1 {
		return 0, false, fmt.Errorf("console: unsupported escape key %q", s)
	}
	c := name[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, true, nil
	case c == '@', c == '[', c == '\\', c == ']', c == '^', c == '_':
		return c - '@', true, nil
	}
	return 0, false, fmt.Errorf("console: unsupported escape key %q", s)
}

// Input pumps keystrokes from a reader into a terminal view and watches for
// the escape key.
type Input struct {
	// Reader is usually the raw-mode stdin.
	Reader io.Reader
	// Send receives every byte that is not the escape key.
	Send func([]byte)
	// Escape is the escape key; see ParseEscapeKey.
	Escape byte
	// EscapeEnabled turns escape handling on.
	EscapeEnabled bool
	// LeaveAlert reports whether leaving must be confirmed.
	LeaveAlert func() bool
	// Notify shows the confirmation prompt, e.g. as an overlay.
	Notify func(msg string, timeout time.Duration)

	now       func() time.Time
	lastAlert time.Time
}

// Run pumps input until the reader ends, ctx is done, or the user leaves.
// It returns ErrDetached when the user leaves and nil at end of input.
func (in *Input) Run(ctx context.Context) error {
	if in.now == nil {
		in.now = time.Now
	}
	chunks := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, readSize)
		for {
			n, err := in.Reader.Read(buf)
			if n > 0 {
				p := bytes.Clone(buf[:n])
				select {
				case chunks <- p:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("console: read input: %w", err)
		case p := <-chunks:
			if in.handle(p) {
				return ErrDetached
			}
		}
	}
}

// handle forwards p and reports whether the user asked to leave.
func (in *Input) handle(p []byte) bool {
	for len(p) > 0 {
		i := -1
		if in.EscapeEnabled {
			i = bytes.IndexByte(p, in.Escape)
		}
		if i < 0 {
			in.Send(p)
			return false
		}
		if i > 0 {
			in.Send(p[:i])
		}
		if in.escape() {
			return true
		}
		p = p[i+1:]
	}
	return false
}

// escape applies the leave guard: without an alert the first press leaves,
// otherwise a second press inside the window does.
func (in *Input) escape() bool {
	if in.LeaveAlert == nil || !in.LeaveAlert() {
		return true
	}
	now := in.now()
	if !in.lastAlert.IsZero() && now.Sub(in.lastAlert) <= leaveWindow {
		return true
	}
	in.lastAlert = now
	if in.Notify != nil {
		in.Notify(LeaveMessage, leaveWindow)
	}
	return false
}
