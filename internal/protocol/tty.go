// Package protocol holds the two wire encodings used by the terminal:
//
//   - the tty protocol: one ASCII command byte followed by a payload, carried
//     in binary WebSocket messages;
//   - the Op protocol: JSON objects with an "Op" field, carried as SockJS
//     text messages.
//
// A transport speaks exactly one of them for its whole lifetime; Kind names
// which.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a wire encoding.
type Kind int

const (
	// BinaryFramed is the single-byte command protocol.
	BinaryFramed Kind = iota
	// JSONOp is the {"Op": ...} protocol.
	JSONOp
)

func (k Kind) String() string {
	switch k {
	case BinaryFramed:
		return "binary"
	case JSONOp:
		return "json-op"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is the first byte of a tty frame. The same digit means different
// things depending on direction.
type Command byte

// Server to client.
const (
	Output         Command = '0'
	SetWindowTitle Command = '1'
	SetPreferences Command = '2'
)

// Client to server.
const (
	Input          Command = '0'
	ResizeTerminal Command = '1'
	Pause          Command = '2'
	Resume         Command = '3'
)

// Subprotocol is the WebSocket subprotocol negotiated by the tty transport.
const Subprotocol = "tty"

var (
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// Handshake is the first message sent after the socket opens. It is raw JSON
// with no command byte.
type Handshake struct {
	AuthToken string `json:"AuthToken"`
	Columns   int    `json:"columns"`
	Rows      int    `json:"rows"`
}

// WindowSize is the payload of ResizeTerminal.
type WindowSize struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// EncodeHandshake marshals h.
func EncodeHandshake(h Handshake) ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHandshake parses the first client message.
func DecodeHandshake(p []byte) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(p, &h); err != nil {
		return Handshake{}, fmt.Errorf("decode handshake: %w", err)
	}
	return h, nil
}

// Frame prepends cmd to payload.
func Frame(cmd Command, payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = byte(cmd)
	copy(out[1:], payload)
	return out
}

// EncodeInput encodes keystrokes typed as text. Invalid UTF-8 is replaced
// with U+FFFD, as a text encoder would.
func EncodeInput(s string) []byte {
	s = strings.ToValidUTF8(s, "�")
	buf := make([]byte, len(s)+1)
	buf[0] = byte(Input)
	n := copy(buf[1:], s)
	return buf[:n+1]
}

// EncodeInputBytes encodes raw binary input.
func EncodeInputBytes(p []byte) []byte {
	return Frame(Input, p)
}

// EncodeResize encodes a ResizeTerminal frame.
func EncodeResize(columns, rows int) []byte {
	// WindowSize has only int fields; Marshal cannot fail.
	payload, _ := json.Marshal(WindowSize{Columns: columns, Rows: rows})
	return Frame(ResizeTerminal, payload)
}

// DecodeResize parses a ResizeTerminal payload.
func DecodeResize(p []byte) (WindowSize, error) {
	var ws WindowSize
	if err := json.Unmarshal(p, &ws); err != nil {
		return WindowSize{}, fmt.Errorf("decode resize: %w", err)
	}
	return ws, nil
}

// EncodeControl encodes a payload-less frame such as Pause or Resume.
func EncodeControl(cmd Command) []byte {
	return []byte{byte(cmd)}
}

// Split separates the command byte from the payload. The payload aliases msg.
func Split(msg []byte) (Command, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return Command(msg[0]), msg[1:], nil
}

// ValidServerCommand reports whether cmd is known in the server to client
// direction.
func ValidServerCommand(cmd Command) bool {
	switch cmd {
	case Output, SetWindowTitle, SetPreferences:
		return true
	}
	return false
}

// ValidClientCommand reports whether cmd is known in the client to server
// direction.
func ValidClientCommand(cmd Command) bool {
	switch cmd {
	case Input, ResizeTerminal, Pause, Resume:
		return true
	}
	return false
}
