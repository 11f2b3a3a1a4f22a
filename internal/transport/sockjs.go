package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
	"github.com/karmada-io/karmada-terminal/internal/event"
	"github.com/karmada-io/karmada-terminal/internal/protocol"
	"github.com/karmada-io/karmada-terminal/internal/terminal"
)

// SockJSOptions configure a SockJS transport.
type SockJSOptions struct {
	// BaseURL is the SockJS endpoint, e.g. http://host/api/v1/terminal/sockjs.
	BaseURL string
	// SessionID is bound to the socket once it opens.
	SessionID string
	// Header is sent with the dial.
	Header http.Header
	// Dialer overrides the default WebSocket dialer.
	Dialer *websocket.Dialer
}

// SockJS is the transport speaking JSON Op frames over SockJS's websocket
// transport. It does not reconnect: once the socket closes the session is
// done.
type SockJS struct {
	view   *terminal.View
	opts   SockJSOptions
	url    string
	dialer *websocket.Dialer

	output event.Emitter[[]byte]
	closed event.Emitter[int]

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex

	// Owned by the loop goroutine.
	finished  bool
	listeners disposable.Registry
}

var _ Session = (*SockJS)(nil)

// NewSockJS creates a SockJS transport writing into view.
func NewSockJS(view *terminal.View, opts SockJSOptions) (*SockJS, error) {
	u, err := SockJSURL(opts.BaseURL, opts.SessionID)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SockJS{
		view:   view,
		opts:   opts,
		url:    u,
		dialer: dialer,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), eventQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	go s.run()
	return s, nil
}

// SockJSURL builds the websocket transport URL for base:
// {base}/{server}/{session}/websocket, with sessionID as the raw query.
func SockJSURL(base, sessionID string) (string, error) {
	ws, err := WebSocketURL(base)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ws)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	server := fmt.Sprintf("%03d", rand.IntN(1000))
	session := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	u.Path = strings.TrimRight(u.Path, "/") + "/" + server + "/" + session + "/websocket"
	if sessionID != "" {
		u.RawQuery = url.PathEscape(sessionID)
	}
	return u.String(), nil
}

func (s *SockJS) Kind() protocol.Kind { return protocol.JSONOp }

// URL returns the websocket transport URL.
func (s *SockJS) URL() string { return s.url }

func (s *SockJS) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SockJS) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *SockJS) Done() <-chan struct{} { return s.done }

func (s *SockJS) OnOutput(fn func([]byte)) disposable.Disposable { return s.output.Subscribe(fn) }

func (s *SockJS) OnClose(fn func(int)) disposable.Disposable { return s.closed.Subscribe(fn) }

// Connect dials the endpoint once. A SockJS session never reconnects.
func (s *SockJS) Connect() { s.post(s.connect) }

// Close closes the socket and ends the session.
func (s *SockJS) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}
		s.cancel()
		close(s.stop)
	})
	<-s.done
	return nil
}

func (s *SockJS) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *SockJS) run() {
	defer close(s.done)
	defer s.teardown()
	for {
		select {
		case <-s.stop:
			return
		case fn := <-s.events:
			fn()
			if s.finished {
				return
			}
		}
	}
}

func (s *SockJS) teardown() {
	s.cancel()
	s.listeners.Dispose()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *SockJS) connect() {
	if st := s.State(); st != StateIdle {
		return
	}
	s.setState(StateConnecting)
	go func() {
		conn, resp, err := s.dialer.DialContext(s.ctx, s.url, s.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			log.Error().Err(err).Str("url", s.url).Msg("transport: sockjs dial failed")
			s.post(func() { s.onClose(websocket.CloseAbnormalClosure, err.Error()) })
			return
		}
		attached := s.post(func() {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			go s.read(conn)
		})
		if !attached {
			conn.Close()
		}
	}()
}

func (s *SockJS) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			s.post(func() { s.onClose(code, reason) })
			return
		}
		s.post(func() { s.onFrame(data) })
	}
}

func (s *SockJS) onFrame(data []byte) {
	frame, err := protocol.ParseSockJS(data)
	if err != nil {
		log.Warn().Err(err).Msg("transport: dropping sockjs frame")
		return
	}
	switch frame.Type {
	case protocol.SockJSOpen:
		s.onOpen()
	case protocol.SockJSHeartbeat:
	case protocol.SockJSArray, protocol.SockJSMessage:
		for _, m := range frame.Messages {
			s.onOp(m)
		}
	case protocol.SockJSClose:
		s.onClose(frame.Code, frame.Reason)
	}
}

func (s *SockJS) onOpen() {
	if s.State() != StateConnecting {
		return
	}
	s.setState(StateOpen)
	log.Info().Str("session_id", s.opts.SessionID).Msg("transport: sockjs connection opened")

	s.sendOp(protocol.OpMessage{Op: protocol.OpBind, SessionID: s.opts.SessionID})
	s.sendResize(terminal.Size{Cols: s.view.Cols(), Rows: s.view.Rows()})

	s.listeners.Register(
		s.view.OnData(s.SendData),
		s.view.OnBinary(s.SendBinary),
		s.view.OnResize(s.sendResize),
	)
}

func (s *SockJS) onOp(raw string) {
	msg, err := protocol.DecodeOp(raw)
	if err != nil {
		log.Warn().Err(err).Msg("transport: dropping op frame")
		return
	}
	switch msg.Op {
	case protocol.OpStdout:
		p := []byte(msg.Data)
		s.output.Emit(p)
		s.view.Write(p)
	case protocol.OpToast:
		log.Info().Str("data", msg.Data).Msg("transport: toast")
	default:
		log.Debug().Str("op", msg.Op).Msg("transport: ignoring op")
	}
}

func (s *SockJS) onClose(code int, reason string) {
	if s.finished {
		return
	}
	log.Info().Int("code", code).Str("reason", reason).Msg("transport: sockjs connection closed")
	s.listeners.Dispose()
	s.closed.Emit(code)
	s.finished = true
}

// SendData sends keystrokes as a stdin op.
func (s *SockJS) SendData(data string) {
	s.sendOp(protocol.OpMessage{Op: protocol.OpStdin, Data: data})
}

// SendBinary sends raw bytes as a stdin op. The JSON encoding replaces
// invalid UTF-8.
func (s *SockJS) SendBinary(p []byte) {
	s.sendOp(protocol.OpMessage{Op: protocol.OpStdin, Data: string(p)})
}

func (s *SockJS) sendResize(size terminal.Size) {
	s.sendOp(protocol.OpMessage{Op: protocol.OpResize, Cols: uint16(size.Cols), Rows: uint16(size.Rows)})
}

func (s *SockJS) sendOp(m protocol.OpMessage) {
	s.mu.Lock()
	conn, open := s.conn, s.state == StateOpen
	s.mu.Unlock()
	if conn == nil || !open {
		return
	}
	op, err := protocol.EncodeOp(m)
	if err != nil {
		log.Debug().Err(err).Msg("transport: encode op failed")
		return
	}
	frame, err := protocol.EncodeSockJS(op)
	if err != nil {
		log.Debug().Err(err).Msg("transport: encode sockjs failed")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Debug().Err(err).Msg("transport: send failed")
	}
}
