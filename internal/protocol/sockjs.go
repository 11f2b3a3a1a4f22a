package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SockJS frame types as seen on its websocket transport.
const (
	SockJSOpen      byte = 'o'
	SockJSHeartbeat byte = 'h'
	SockJSArray     byte = 'a'
	SockJSMessage   byte = 'm'
	SockJSClose     byte = 'c'
)

var ErrMalformedSockJS = errors.New("protocol: malformed sockjs frame")

// SockJSFrame is one decoded server frame.
type SockJSFrame struct {
	Type     byte
	Messages []string
	Code     int
	Reason   string
}

// ParseSockJS decodes a server frame.
func ParseSockJS(data []byte) (SockJSFrame, error) {
	if len(data) == 0 {
		return SockJSFrame{}, fmt.Errorf("%w: empty", ErrMalformedSockJS)
	}
	f := SockJSFrame{Type: data[0]}
	body := data[1:]

	switch f.Type {
	case SockJSOpen, SockJSHeartbeat:
		return f, nil
	case SockJSArray:
		if err := json.Unmarshal(body, &f.Messages); err != nil {
			return SockJSFrame{}, fmt.Errorf("%w: %v", ErrMalformedSockJS, err)
		}
	case SockJSMessage:
		var msg string
		if err := json.Unmarshal(body, &msg); err != nil {
			return SockJSFrame{}, fmt.Errorf("%w: %v", ErrMalformedSockJS, err)
		}
		f.Messages = []string{msg}
	case SockJSClose:
		var pair []json.RawMessage
		if err := json.Unmarshal(body, &pair); err != nil || len(pair) != 2 {
			return SockJSFrame{}, fmt.Errorf("%w: bad close frame %q", ErrMalformedSockJS, body)
		}
		if err := json.Unmarshal(pair[0], &f.Code); err != nil {
			return SockJSFrame{}, fmt.Errorf("%w: %v", ErrMalformedSockJS, err)
		}
		if err := json.Unmarshal(pair[1], &f.Reason); err != nil {
			return SockJSFrame{}, fmt.Errorf("%w: %v", ErrMalformedSockJS, err)
		}
	default:
		return SockJSFrame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedSockJS, f.Type)
	}
	return f, nil
}

// EncodeSockJS encodes client messages as the JSON array SockJS expects.
func EncodeSockJS(msgs ...string) ([]byte, error) {
	if msgs == nil {
		msgs = []string{}
	}
	return json.Marshal(msgs)
}
