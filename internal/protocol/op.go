package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op values of the JSON protocol.
const (
	OpBind   = "bind"
	OpStdin  = "stdin"
	OpStdout = "stdout"
	OpResize = "resize"
	OpToast  = "toast"
)

var ErrMalformedOp = errors.New("protocol: malformed op message")

// OpMessage is one frame of the JSON protocol. Field names match the
// backend's shell multiplexer, which decodes them case-insensitively.
type OpMessage struct {
	Op        string `json:"Op"`
	Data      string `json:"Data,omitempty"`
	SessionID string `json:"SessionID,omitempty"`
	Rows      uint16 `json:"Rows,omitempty"`
	Cols      uint16 `json:"Cols,omitempty"`
}

// EncodeOp marshals m to the text form sent over SockJS.
func EncodeOp(m OpMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeOp parses one text message.
func DecodeOp(s string) (OpMessage, error) {
	var m OpMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return OpMessage{}, fmt.Errorf("%w: %v", ErrMalformedOp, err)
	}
	if m.Op == "" {
		return OpMessage{}, fmt.Errorf("%w: missing Op", ErrMalformedOp)
	}
	return m, nil
}
