package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/igm/sockjs-go/v3/sockjs"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/audit"
	"github.com/karmada-io/karmada-terminal/internal/protocol"
)

// SockJS close codes sent to clients.
const (
	sockjsCloseNormal    = 1000
	sockjsCloseGoingAway = 3000
	sockjsCloseBadBind   = 3001
	sockjsCloseNoShell   = 3002
)

// SockJS returns the SockJS endpoint mounted at prefix.
func (h *Terminal) SockJS(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serveSockJS)
}

func (h *Terminal) serveSockJS(s sockjs.Session) {
	raw, err := s.Recv()
	if err != nil {
		return
	}
	bind, err := protocol.DecodeOp(raw)
	if err != nil || bind.Op != protocol.OpBind {
		log.Warn().Err(err).Str("op", bind.Op).Msg("handlers: expected bind op")
		_ = s.Close(sockjsCloseBadBind, "bind expected")
		return
	}
	id := bind.SessionID

	target, err := h.Registry.Lookup(id)
	if err != nil {
		log.Warn().Str("session_id", id).Msg("handlers: unknown terminal session")
		_ = s.Close(sockjsCloseBadBind, "session not found")
		return
	}

	entry := audit.Entry{
		SessionID: id,
		Target:    target.String(),
		Transport: "sockjs",
	}
	ctx := context.Background()
	if r := s.Request(); r != nil {
		entry.IP, entry.UserAgent = r.RemoteAddr, r.UserAgent()
		ctx = r.Context()
	}

	sess, err := h.Connector.Connect(ctx, target)
	if err == nil {
		if err = h.Registry.Attach(id, sess); err != nil {
			_ = sess.Close()
		}
	}
	if err != nil {
		entry.Action, entry.Status = audit.ActionConnect, audit.StatusFailed
		entry.Detail = map[string]any{"error": err.Error()}
		audit.Write(entry)
		_ = s.Close(sockjsCloseNoShell, "shell unavailable")
		return
	}
	defer h.Registry.Detach(id)

	entry.Action, entry.Status = audit.ActionConnect, audit.StatusSuccess
	audit.Write(entry)
	start := time.Now()

	var in, out atomic.Int64
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		buf := make([]byte, readBufferSize)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				frame, eerr := protocol.EncodeOp(protocol.OpMessage{Op: protocol.OpStdout, Data: string(buf[:n])})
				if eerr == nil {
					if serr := s.Send(frame); serr != nil {
						return
					}
					out.Add(int64(n))
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("session_id", id).Msg("handlers: shell read ended")
				}
				_ = s.Close(sockjsCloseNormal, "process exited")
				return
			}
		}
	}()

	for {
		raw, err := s.Recv()
		if err != nil {
			break
		}
		h.Registry.Touch(id)

		msg, err := protocol.DecodeOp(raw)
		if err != nil {
			log.Warn().Err(err).Msg("handlers: dropping op frame")
			continue
		}
		switch msg.Op {
		case protocol.OpStdin:
			if _, err := sess.Write([]byte(msg.Data)); err != nil {
				log.Error().Err(err).Msg("PTY write error")
			}
			in.Add(int64(len(msg.Data)))
		case protocol.OpResize:
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			if err := sess.Resize(msg.Rows, msg.Cols); err != nil {
				log.Debug().Err(err).Msg("handlers: resize failed")
			}
		default:
			log.Debug().Str("op", msg.Op).Msg("handlers: ignoring op")
		}
	}

	_ = sess.Close()
	<-pumpDone
	_ = s.Close(sockjsCloseGoingAway, "session closed")

	entry.Action, entry.Status = audit.ActionDisconnect, audit.StatusSuccess
	entry.BytesIn, entry.BytesOut = in.Load(), out.Load()
	entry.Duration = time.Since(start)
	audit.Write(entry)
}
