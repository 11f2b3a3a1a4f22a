package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/audit"
	"github.com/karmada-io/karmada-terminal/internal/protocol"
	"github.com/karmada-io/karmada-terminal/internal/shell"
)

const (
	handshakeTimeout = 10 * time.Second
	readBufferSize   = 4096
	closeGracePeriod = time.Second
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{protocol.Subprotocol},
	// The development backend serves any origin; CORS guards the REST routes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Terminal serves the tty WebSocket and SockJS endpoints, bridging each
// connection to a shell from Connector.
type Terminal struct {
	Registry    *shell.Registry
	Connector   shell.Connector
	Tokens      *Tokens
	Preferences map[string]any
}

// gate blocks the output pump while the client has paused the stream.
type gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) set(paused bool) {
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks while paused and reports whether the gate is still open.
func (g *gate) wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && !g.closed {
		g.cond.Wait()
	}
	return !g.closed
}

// ttyConn serializes writes to a tty WebSocket.
type ttyConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *ttyConn) send(cmd protocol.Command, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, protocol.Frame(cmd, payload))
}

func (c *ttyConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(closeGracePeriod)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	// Bound the wait for the peer's close reply.
	_ = c.ws.SetReadDeadline(deadline)
}

// TTY handles the tty-subprotocol WebSocket for the session in the path.
func (h *Terminal) TTY(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}
	defer ws.Close()
	conn := &ttyConn{ws: ws}

	target, err := h.Registry.Lookup(id)
	if err != nil {
		log.Warn().Str("session_id", id).Msg("handlers: unknown terminal session")
		conn.close(websocket.ClosePolicyViolation, "session not found")
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("handlers: no handshake")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})
	hs, err := protocol.DecodeHandshake(raw)
	if err != nil || !h.Tokens.Valid(hs.AuthToken) {
		log.Warn().Err(err).Str("session_id", id).Msg("handlers: handshake rejected")
		conn.close(websocket.ClosePolicyViolation, "invalid token")
		return
	}

	entry := audit.Entry{
		SessionID: id,
		Target:    target.String(),
		Transport: "tty",
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}

	sess, err := h.attach(r, id, target)
	if err != nil {
		entry.Action, entry.Status = audit.ActionConnect, audit.StatusFailed
		entry.Detail = map[string]any{"error": err.Error()}
		audit.Write(entry)
		conn.close(websocket.CloseInternalServerErr, "shell unavailable")
		return
	}
	defer h.Registry.Detach(id)

	if hs.Columns > 0 && hs.Rows > 0 {
		if err := sess.Resize(uint16(hs.Rows), uint16(hs.Columns)); err != nil {
			log.Debug().Err(err).Msg("handlers: initial resize failed")
		}
	}

	prefs, err := json.Marshal(h.preferences())
	if err != nil {
		prefs = []byte("{}")
	}
	if err := conn.send(protocol.SetWindowTitle, []byte(target.String())); err != nil {
		sess.Close()
		return
	}
	if err := conn.send(protocol.SetPreferences, prefs); err != nil {
		sess.Close()
		return
	}

	entry.Action, entry.Status = audit.ActionConnect, audit.StatusSuccess
	audit.Write(entry)
	start := time.Now()

	var in, out atomic.Int64
	g := newGate()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		buf := make([]byte, readBufferSize)
		for g.wait() {
			n, err := sess.Read(buf)
			if n > 0 {
				if werr := conn.send(protocol.Output, buf[:n]); werr != nil {
					return
				}
				out.Add(int64(n))
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("session_id", id).Msg("handlers: shell read ended")
				}
				conn.close(websocket.CloseNormalClosure, "")
				return
			}
		}
	}()

	code := websocket.CloseNormalClosure
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			} else {
				code = websocket.CloseAbnormalClosure
			}
			break
		}
		h.Registry.Touch(id)

		cmd, payload, err := protocol.Split(msg)
		if err != nil {
			continue
		}
		switch cmd {
		case protocol.Input:
			if _, err := sess.Write(payload); err != nil {
				log.Error().Err(err).Msg("PTY write error")
			}
			in.Add(int64(len(payload)))
		case protocol.ResizeTerminal:
			size, err := protocol.DecodeResize(payload)
			if err != nil || size.Columns <= 0 || size.Rows <= 0 {
				log.Warn().Err(err).Msg("handlers: bad resize")
				continue
			}
			if err := sess.Resize(uint16(size.Rows), uint16(size.Columns)); err != nil {
				log.Debug().Err(err).Msg("handlers: resize failed")
			}
		case protocol.Pause:
			g.set(true)
		case protocol.Resume:
			g.set(false)
		default:
			log.Warn().Str("command", string(cmd)).Msg("handlers: unknown tty command")
		}
	}

	g.close()
	_ = sess.Close()
	<-pumpDone

	entry.Action, entry.Status = audit.ActionDisconnect, audit.StatusSuccess
	entry.BytesIn, entry.BytesOut = in.Load(), out.Load()
	entry.Duration = time.Since(start)
	entry.Detail = map[string]any{"code": code}
	audit.Write(entry)
	log.Info().Str("session_id", id).Msg("Terminal session closed")
}

// attach connects a shell for target and binds it to the session.
func (h *Terminal) attach(r *http.Request, id string, target shell.Target) (shell.Session, error) {
	sess, err := h.Connector.Connect(r.Context(), target)
	if err != nil {
		log.Error().Err(err).Str("target", target.String()).Msg("handlers: shell connect failed")
		return nil, err
	}
	if err := h.Registry.Attach(id, sess); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

func (h *Terminal) preferences() map[string]any {
	if h.Preferences == nil {
		return map[string]any{}
	}
	return h.Preferences
}
