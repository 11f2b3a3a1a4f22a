package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
	"github.com/karmada-io/karmada-terminal/internal/event"
	"github.com/karmada-io/karmada-terminal/internal/flow"
	"github.com/karmada-io/karmada-terminal/internal/protocol"
	"github.com/karmada-io/karmada-terminal/internal/terminal"
)

// TTYOptions configure a TTY transport.
type TTYOptions struct {
	// URL is the WebSocket endpoint, ws(s) or http(s).
	URL string
	// Header is sent with every dial.
	Header http.Header
	// Token is used for the first handshake.
	Token string
	// Tokens refreshes the token before each reconnection.
	Tokens TokenSource
	// TokenTimeout bounds a token refresh.
	TokenTimeout time.Duration
	// ClientOptions are the built-in preferences, lowest precedence.
	ClientOptions Preferences
	// Query holds URL query overrides, highest precedence.
	Query string
	// Flow configures output backpressure.
	Flow flow.Config
	// Reconnect enables automatic reconnection after an abnormal close.
	Reconnect bool
	// Title is the base title shown after the remote program's title.
	Title string
	// Titles receives window titles.
	Titles TitleSink
	// Transfers handles zmodem and trzsz transfers once enabled.
	Transfers terminal.TransferHandler
	// Dialer overrides the default WebSocket dialer.
	Dialer *websocket.Dialer
}

// TTY is the WebSocket transport speaking the single-byte command protocol.
//
// Socket events and state transitions run on one loop goroutine. Sends may
// come from any goroutine and are serialized on the connection.
type TTY struct {
	view   *terminal.View
	opts   TTYOptions
	dialer *websocket.Dialer
	flow   *flow.Controller

	output event.Emitter[[]byte]
	closed event.Emitter[int]

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	title         string
	titleFixed    string
	resizeOverlay bool
	leaveAlert    bool

	writeMu sync.Mutex

	// Owned by the loop goroutine.
	gen               int
	token             string
	opened            bool
	reconnect         bool
	doReconnect       bool
	closeOnDisconnect bool
	finished          bool
	transfer          *terminal.TransferAddon
	listeners         disposable.Registry
	keyWait           disposable.Disposable
}

var _ Session = (*TTY)(nil)

// NewTTY creates a transport writing into view. Call Connect to dial.
func NewTTY(view *terminal.View, opts TTYOptions) (*TTY, error) {
	if opts.Flow == (flow.Config{}) {
		opts.Flow = flow.DefaultConfig()
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = defaultTokenTimeout
	}
	if opts.Titles == nil {
		opts.Titles = nopTitleSink{}
	}
	u, err := WebSocketURL(opts.URL)
	if err != nil {
		return nil, err
	}
	opts.URL = u

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	d := *dialer
	d.Subprotocols = []string{protocol.Subprotocol}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TTY{
		view:          view,
		opts:          opts,
		dialer:        &d,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan func(), eventQueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		state:         StateIdle,
		title:         opts.Title,
		resizeOverlay: true,
		leaveAlert:    true,
		token:         opts.Token,
		reconnect:     opts.Reconnect,
		doReconnect:   opts.Reconnect,
	}
	fc, err := flow.New(opts.Flow, view, t)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: %w", err)
	}
	t.flow = fc

	go t.run()
	return t, nil
}

func (t *TTY) Kind() protocol.Kind { return protocol.BinaryFramed }

// State reports the lifecycle state.
func (t *TTY) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TTY) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Done is closed when the session has finished.
func (t *TTY) Done() <-chan struct{} { return t.done }

// OnOutput subscribes to OUTPUT payloads.
func (t *TTY) OnOutput(fn func([]byte)) disposable.Disposable { return t.output.Subscribe(fn) }

// OnClose subscribes to close codes.
func (t *TTY) OnClose(fn func(int)) disposable.Disposable { return t.closed.Subscribe(fn) }

// LeaveAlert reports whether leaving should be confirmed: the socket is open
// and the alert has not been disabled.
func (t *TTY) LeaveAlert() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveAlert && t.state == StateOpen
}

// Connect dials the server unless already connecting or open.
func (t *TTY) Connect() { t.post(t.connect) }

// Close closes the socket with a normal close and stops the session.
func (t *TTY) Close() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			t.writeMu.Unlock()
		}
		t.cancel()
		close(t.stop)
	})
	<-t.done
	return nil
}

// post queues fn on the loop. It reports false once the loop has exited.
func (t *TTY) post(fn func()) bool {
	select {
	case t.events <- fn:
		return true
	case <-t.done:
		return false
	}
}

func (t *TTY) run() {
	defer close(t.done)
	defer t.teardown()
	for {
		select {
		case <-t.stop:
			return
		case fn := <-t.events:
			fn()
			if t.finished {
				return
			}
		}
	}
}

func (t *TTY) teardown() {
	t.cancel()
	t.listeners.Dispose()
	if t.keyWait != nil {
		t.keyWait.Dispose()
		t.keyWait = nil
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateClosed
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *TTY) connect() {
	if s := t.State(); s == StateConnecting || s == StateOpen {
		return
	}
	t.setState(StateConnecting)
	t.gen++
	gen := t.gen

	go func() {
		conn, resp, err := t.dialer.DialContext(t.ctx, t.opts.URL, t.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			t.post(func() { t.onDialError(gen, err) })
			return
		}
		if !t.post(func() { t.onOpen(gen, conn) }) {
			conn.Close()
		}
	}()
}

func (t *TTY) onDialError(gen int, err error) {
	if gen != t.gen {
		return
	}
	log.Error().Err(err).Str("url", t.opts.URL).Msg("transport: websocket error")
	t.doReconnect = false
	t.onClose(gen, websocket.CloseAbnormalClosure)
}

func (t *TTY) onOpen(gen int, conn *websocket.Conn) {
	if gen != t.gen {
		conn.Close()
		return
	}
	log.Info().Str("url", t.opts.URL).Msg("transport: websocket connection opened")

	t.mu.Lock()
	t.conn = conn
	t.state = StateOpen
	t.mu.Unlock()

	hs, err := protocol.EncodeHandshake(protocol.Handshake{
		AuthToken: t.token,
		Columns:   t.view.Cols(),
		Rows:      t.view.Rows(),
	})
	if err == nil {
		err = t.write(conn, hs)
	}
	if err != nil {
		log.Error().Err(err).Msg("transport: handshake failed")
	}

	t.flow.Reset()
	if t.opened {
		t.view.Reset()
		t.view.SetDisableStdin(false)
		t.view.ShowOverlay("Reconnected", overlayTimeout)
	} else {
		t.opened = true
	}
	t.doReconnect = t.reconnect
	t.initListeners()

	go t.read(gen, conn)
}

func (t *TTY) initListeners() {
	t.listeners.Register(
		t.view.OnTitleChange(func(data string) {
			t.mu.Lock()
			fixed, base := t.titleFixed, t.title
			t.mu.Unlock()
			if data != "" && fixed == "" {
				t.opts.Titles.SetTitle(data + " | " + base)
			}
		}),
		t.view.OnData(t.SendData),
		t.view.OnBinary(t.SendBinary),
		t.view.OnResize(func(s terminal.Size) {
			t.send(protocol.EncodeResize(s.Cols, s.Rows))
			t.mu.Lock()
			show := t.resizeOverlay
			t.mu.Unlock()
			if show {
				t.view.ShowOverlay(fmt.Sprintf("%dx%d", s.Cols, s.Rows), overlayTimeout)
			}
		}),
	)
}

func (t *TTY) read(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			t.post(func() { t.onClose(gen, code) })
			return
		}
		t.post(func() { t.onMessage(gen, data) })
	}
}

func (t *TTY) onMessage(gen int, data []byte) {
	if gen != t.gen {
		return
	}
	cmd, payload, err := protocol.Split(data)
	if err != nil {
		log.Warn().Err(err).Msg("transport: dropping frame")
		return
	}
	switch cmd {
	case protocol.Output:
		t.writeOutput(payload)
	case protocol.SetWindowTitle:
		title := strings.ToValidUTF8(string(payload), "�")
		t.mu.Lock()
		t.title = title
		fixed := t.titleFixed
		t.mu.Unlock()
		if fixed == "" {
			t.opts.Titles.SetTitle(title)
		}
	case protocol.SetPreferences:
		server, err := DecodePreferences(payload)
		if err != nil {
			log.Warn().Err(err).Msg("transport: dropping malformed preferences")
			return
		}
		query := ParseQueryPreferences(t.opts.Query, t.lookupOption)
		t.applyPreferences(MergePreferences(t.opts.ClientOptions, server, query))
	default:
		log.Warn().Str("command", string(cmd)).Msg("transport: unknown command")
	}
}

func (t *TTY) lookupOption(key string) (any, bool) {
	if v, ok := t.opts.ClientOptions[key]; ok {
		return v, true
	}
	return t.view.Option(key)
}

func (t *TTY) writeOutput(p []byte) {
	t.output.Emit(p)
	if t.transfer != nil && t.transfer.Enabled() {
		p = t.transfer.Filter(p)
		if len(p) == 0 {
			return
		}
	}
	t.flow.Write(p)
}

func (t *TTY) onClose(gen int, code int) {
	if gen != t.gen {
		return
	}
	log.Info().Int("code", code).Msg("transport: websocket connection closed")

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateClosed
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	t.view.ShowOverlay("Connection Closed", 0)
	t.listeners.Dispose()
	t.view.SetDisableStdin(true)
	t.closed.Emit(code)

	switch {
	case code != websocket.CloseNormalClosure && t.doReconnect:
		t.view.ShowOverlay("Reconnecting...", 0)
		t.reconnectNow()
	case t.closeOnDisconnect:
		t.finished = true
	default:
		t.setState(StateAwaitingKeypress)
		t.keyWait = t.view.OnKey(func(k terminal.KeyEvent) {
			if k.IsEnter() {
				t.post(t.onEnter)
			}
		})
		t.view.ShowOverlay("Press ⏎ to Reconnect", 0)
	}
}

func (t *TTY) onEnter() {
	if t.State() != StateAwaitingKeypress {
		return
	}
	if t.keyWait != nil {
		t.keyWait.Dispose()
		t.keyWait = nil
	}
	t.view.ShowOverlay("Reconnecting...", 0)
	t.reconnectNow()
}

// reconnectNow refreshes the token off the loop, then connects.
func (t *TTY) reconnectNow() {
	t.setState(StateReconnecting)
	go func() {
		token, ok := t.refreshToken()
		t.post(func() {
			if ok {
				t.token = token
			}
			t.connect()
		})
	}()
}

func (t *TTY) refreshToken() (string, bool) {
	if t.opts.Tokens == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.TokenTimeout)
	defer cancel()
	token, err := t.opts.Tokens.Token(ctx)
	if err != nil {
		log.Error().Err(err).Msg("transport: token refresh failed")
		return "", false
	}
	return token, true
}

// SendData sends keystrokes as an INPUT frame.
func (t *TTY) SendData(data string) {
	t.send(protocol.EncodeInput(data))
}

// SendBinary sends raw bytes as an INPUT frame.
func (t *TTY) SendBinary(p []byte) {
	t.send(protocol.EncodeInputBytes(p))
}

// SendPause asks the server to stop sending output.
func (t *TTY) SendPause() { t.send(protocol.EncodeControl(protocol.Pause)) }

// SendResume asks the server to continue sending output.
func (t *TTY) SendResume() { t.send(protocol.EncodeControl(protocol.Resume)) }

func (t *TTY) send(frame []byte) {
	t.mu.Lock()
	conn, open := t.conn, t.state == StateOpen
	t.mu.Unlock()
	if conn == nil || !open {
		return
	}
	if err := t.write(conn, frame); err != nil {
		log.Debug().Err(err).Msg("transport: send failed")
	}
}

func (t *TTY) write(conn *websocket.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// applyPreferences applies merged preferences. Runs on the loop.
func (t *TTY) applyPreferences(prefs Preferences) {
	if truthy(prefs[PrefEnableZmodem]) || truthy(prefs[PrefEnableTrzsz]) {
		t.enableTransfer(truthy(prefs[PrefEnableZmodem]), truthy(prefs[PrefEnableTrzsz]))
	}

	for key, value := range prefs {
		switch key {
		case PrefRendererType:
			kind, _ := value.(string)
			if err := t.view.SetRendererType(terminal.RendererType(kind)); err != nil {
				log.Warn().Err(err).Msg("transport: ignoring renderer type")
			}
		case PrefDisableLeaveAlert:
			if truthy(value) {
				t.mu.Lock()
				t.leaveAlert = false
				t.mu.Unlock()
				log.Info().Msg("transport: leave site alert disabled")
			}
		case PrefDisableResizeOverlay:
			if truthy(value) {
				t.mu.Lock()
				t.resizeOverlay = false
				t.mu.Unlock()
				log.Info().Msg("transport: resize overlay disabled")
			}
		case PrefDisableReconnect:
			if truthy(value) {
				t.reconnect = false
				t.doReconnect = false
				log.Info().Msg("transport: reconnect disabled")
			}
		case PrefEnableZmodem, PrefEnableTrzsz:
			if truthy(value) {
				log.Info().Str("protocol", key).Msg("transport: file transfer enabled")
			}
		case PrefTrzszDragInitTimeout:
			t.view.SetOption(key, value)
		case PrefEnableSixel:
			if truthy(value) {
				log.Warn().Msg("transport: sixel output is not supported")
			}
		case PrefCloseOnDisconnect:
			if truthy(value) {
				t.closeOnDisconnect = true
				t.reconnect = false
				t.doReconnect = false
				log.Info().Msg("transport: close on disconnect enabled")
			}
		case PrefTitleFixed:
			title, _ := value.(string)
			if title == "" {
				continue
			}
			t.mu.Lock()
			t.titleFixed = title
			t.mu.Unlock()
			t.opts.Titles.SetTitle(title)
		case PrefIsWindows:
			if truthy(value) {
				t.view.SetOption("windowsMode", true)
			}
		case PrefUnicodeVersion:
			switch fmt.Sprint(value) {
			case "6", "11":
				t.view.SetOption(key, fmt.Sprint(value))
			default:
				log.Warn().Interface("version", value).Msg("transport: unsupported unicode version")
			}
		default:
			t.view.SetOption(key, value)
			if strings.HasPrefix(key, "font") {
				t.view.Fit()
			}
		}
	}
}

func (t *TTY) enableTransfer(zmodem, trzsz bool) {
	if t.transfer == nil {
		if a, ok := t.view.Addon(terminal.AddonTransfer); ok {
			t.transfer, _ = a.(*terminal.TransferAddon)
		}
	}
	if t.transfer == nil {
		a := terminal.NewTransferAddon(t.opts.Transfers)
		if err := t.view.SetAddon(terminal.AddonTransfer, a); err != nil {
			log.Warn().Err(err).Msg("transport: file transfer addon not loaded")
			return
		}
		t.transfer = a
	}
	t.transfer.Configure(zmodem, trzsz)
	t.transfer.SetSender(t.SendBinary)
}
