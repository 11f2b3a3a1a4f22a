package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/karmada-io/karmada-terminal/internal/protocol"
	"github.com/karmada-io/karmada-terminal/internal/shell"
)

const waitFor = 2 * time.Second

// fakeShell is a Session whose output is fed by the test.
type fakeShell struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	input  bytes.Buffer
	sizes  [][2]uint16
	closed bool
}

func newFakeShell() *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{outR: r, outW: w}
}

func (f *fakeShell) Read(p []byte) (int, error) { return f.outR.Read(p) }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.Write(p)
}

func (f *fakeShell) Resize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, [2]uint16{rows, cols})
	return nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.outW.Close()
}

func (f *fakeShell) emit(s string) { _, _ = f.outW.Write([]byte(s)) }

func (f *fakeShell) typed() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.String()
}

func (f *fakeShell) lastSize() [2]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sizes) == 0 {
		return [2]uint16{}
	}
	return f.sizes[len(f.sizes)-1]
}

func (f *fakeShell) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordingConnector hands out fakeShells and remembers the targets.
type recordingConnector struct {
	mu      sync.Mutex
	err     error
	targets []shell.Target
	shells  chan *fakeShell
}

func newRecordingConnector() *recordingConnector {
	return &recordingConnector{shells: make(chan *fakeShell, 4)}
}

func (c *recordingConnector) Connect(_ context.Context, t shell.Target) (shell.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, t)
	if c.err != nil {
		return nil, c.err
	}
	f := newFakeShell()
	c.shells <- f
	return f, nil
}

func (c *recordingConnector) next(t *testing.T) *fakeShell {
	t.Helper()
	select {
	case f := <-c.shells:
		return f
	case <-time.After(waitFor):
		t.Fatal("no shell connected")
		return nil
	}
}

var target = shell.Target{Namespace: "default", Pod: "nginx", Container: "app"}

type testEnv struct {
	*httptest.Server
	term      *Terminal
	connector *recordingConnector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := shell.NewRegistry(time.Hour)
	t.Cleanup(reg.Close)
	env := &testEnv{connector: newRecordingConnector()}
	env.term = &Terminal{
		Registry:    reg,
		Connector:   env.connector,
		Tokens:      NewTokens(time.Minute),
		Preferences: map[string]any{"fontSize": 14},
	}

	r := chi.NewRouter()
	r.Get("/token", Token(env.term.Tokens, NewTokenLimiter()))
	r.Get("/pod/{namespace}/{pod}/shell/{container}", Session(reg))
	r.Get("/tty/{sessionId}", env.term.TTY)
	r.Handle("/sockjs/*", env.term.SockJS("/sockjs"))
	env.Server = httptest.NewServer(r)
	t.Cleanup(env.Close)
	return env
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.URL, "http") + path
}

func (e *testEnv) dialTTY(t *testing.T, id string, hs protocol.Handshake) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{protocol.Subprotocol}}
	conn, resp, err := d.Dial(e.wsURL("/tty/"+id), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, protocol.Subprotocol, conn.Subprotocol())

	raw, err := protocol.EncodeHandshake(hs)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (protocol.Command, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	cmd, payload, err := protocol.Split(msg)
	require.NoError(t, err)
	return cmd, string(payload)
}

func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

func TestTokensIssueAndExpire(t *testing.T) {
	tokens := NewTokens(time.Minute)
	now := time.Now()
	tokens.now = func() time.Time { return now }

	tok := tokens.Issue()
	assert.Len(t, tok, 52)
	assert.True(t, tokens.Valid(tok))
	assert.False(t, tokens.Valid(""))
	assert.False(t, tokens.Valid("unknown"))

	now = now.Add(2 * time.Minute)
	assert.False(t, tokens.Valid(tok))
	tokens.Issue()
	tokens.mu.Lock()
	assert.Len(t, tokens.issued, 1)
	tokens.mu.Unlock()
}

func TestTokenHandlerRateLimited(t *testing.T) {
	tokens := NewTokens(time.Minute)
	h := Token(tokens, rate.NewLimiter(0, 1))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, tokens.Valid(body.Token))

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSessionHandler(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.URL + "/pod/default/nginx/shell/app")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, body.Code)
	require.NotEmpty(t, body.Data.ID)

	got, err := env.term.Registry.Lookup(body.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestSessionHandlerRequiresTarget(t *testing.T) {
	rec := httptest.NewRecorder()
	Session(shell.NewRegistry(time.Hour))(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	reg := shell.NewRegistry(time.Hour)
	defer reg.Close()
	reg.Reserve(target)
	rec = httptest.NewRecorder()
	Ready(reg)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.JSONEq(t, `{"status":"ready","sessions":1}`, rec.Body.String())
}

func TestTTYRelay(t *testing.T) {
	env := newTestEnv(t)
	id := env.term.Registry.Reserve(target)
	tok := env.term.Tokens.Issue()

	conn := env.dialTTY(t, id, protocol.Handshake{AuthToken: tok, Columns: 80, Rows: 24})
	sh := env.connector.next(t)

	cmd, payload := readFrame(t, conn)
	assert.Equal(t, protocol.SetWindowTitle, cmd)
	assert.Equal(t, "default/nginx/app", payload)
	cmd, payload = readFrame(t, conn)
	assert.Equal(t, protocol.SetPreferences, cmd)
	assert.JSONEq(t, `{"fontSize":14}`, payload)
	assert.Equal(t, [2]uint16{24, 80}, sh.lastSize())

	go sh.emit("$ ")
	cmd, payload = readFrame(t, conn)
	assert.Equal(t, protocol.Output, cmd)
	assert.Equal(t, "$ ", payload)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeInput("ls\r")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeResize(120, 40)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("9junk")))
	require.Eventually(t, func() bool {
		return sh.typed() == "ls\r" && sh.lastSize() == [2]uint16{40, 120}
	}, waitFor, 5*time.Millisecond)

	// Shell exit closes the socket normally and frees the session for a reconnect.
	require.NoError(t, sh.outW.Close())
	assert.Equal(t, websocket.CloseNormalClosure, readClose(t, conn))
	require.Eventually(t, sh.isClosed, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.term.Registry.Attach(id, newFakeShell()) == nil
	}, waitFor, 5*time.Millisecond)
}

func TestTTYClientCloseClosesShell(t *testing.T) {
	env := newTestEnv(t)
	id := env.term.Registry.Reserve(target)

	conn := env.dialTTY(t, id, protocol.Handshake{AuthToken: env.term.Tokens.Issue()})
	sh := env.connector.next(t)
	readFrame(t, conn)
	readFrame(t, conn)
	assert.Equal(t, [2]uint16{}, sh.lastSize())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	require.Eventually(t, sh.isClosed, waitFor, 5*time.Millisecond)
}

func TestTTYRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	id := env.term.Registry.Reserve(target)

	conn := env.dialTTY(t, id, protocol.Handshake{AuthToken: "forged"})
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
	env.connector.mu.Lock()
	assert.Empty(t, env.connector.targets)
	env.connector.mu.Unlock()
}

func TestTTYUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialTTY(t, "missing", protocol.Handshake{AuthToken: env.term.Tokens.Issue()})
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
}

func TestTTYShellUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.connector.err = errors.New("pod not running")
	id := env.term.Registry.Reserve(target)

	conn := env.dialTTY(t, id, protocol.Handshake{AuthToken: env.term.Tokens.Issue()})
	assert.Equal(t, websocket.CloseInternalServerErr, readClose(t, conn))
}

func TestGate(t *testing.T) {
	g := newGate()
	assert.True(t, g.wait())

	g.set(true)
	released := make(chan bool, 1)
	go func() { released <- g.wait() }()
	select {
	case <-released:
		t.Fatal("wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	g.set(false)
	select {
	case ok := <-released:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("resume did not release the pump")
	}

	g.set(true)
	go func() { released <- g.wait() }()
	g.close()
	select {
	case ok := <-released:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("close did not release the pump")
	}
}

func sockjsSend(t *testing.T, conn *websocket.Conn, m protocol.OpMessage) {
	t.Helper()
	op, err := protocol.EncodeOp(m)
	require.NoError(t, err)
	frame, err := protocol.EncodeSockJS(op)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func sockjsRead(t *testing.T, conn *websocket.Conn) protocol.SockJSFrame {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(waitFor))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := protocol.ParseSockJS(msg)
		require.NoError(t, err)
		if frame.Type != protocol.SockJSHeartbeat {
			return frame
		}
	}
}

func TestSockJSRelay(t *testing.T) {
	env := newTestEnv(t)
	id := env.term.Registry.Reserve(target)

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/sockjs/000/abcdefgh/websocket"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, protocol.SockJSOpen, sockjsRead(t, conn).Type)
	sockjsSend(t, conn, protocol.OpMessage{Op: protocol.OpBind, SessionID: id})
	sh := env.connector.next(t)

	sockjsSend(t, conn, protocol.OpMessage{Op: protocol.OpResize, Cols: 100, Rows: 30})
	sockjsSend(t, conn, protocol.OpMessage{Op: protocol.OpStdin, Data: "pwd\r"})
	require.Eventually(t, func() bool {
		return sh.typed() == "pwd\r" && sh.lastSize() == [2]uint16{30, 100}
	}, waitFor, 5*time.Millisecond)

	go sh.emit("/root\r\n")
	frame := sockjsRead(t, conn)
	require.Equal(t, protocol.SockJSArray, frame.Type)
	require.Len(t, frame.Messages, 1)
	out, err := protocol.DecodeOp(frame.Messages[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.OpMessage{Op: protocol.OpStdout, Data: "/root\r\n"}, out)

	require.NoError(t, sh.outW.Close())
	frame = sockjsRead(t, conn)
	assert.Equal(t, protocol.SockJSClose, frame.Type)
	assert.Equal(t, sockjsCloseNormal, frame.Code)
}

func TestSockJSRequiresBind(t *testing.T) {
	env := newTestEnv(t)

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/sockjs/000/abcdefgh/websocket"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, protocol.SockJSOpen, sockjsRead(t, conn).Type)
	sockjsSend(t, conn, protocol.OpMessage{Op: protocol.OpStdin, Data: "ls"})
	frame := sockjsRead(t, conn)
	assert.Equal(t, protocol.SockJSClose, frame.Type)
	assert.Equal(t, sockjsCloseBadBind, frame.Code)
}
