// Package audit provides a unified helper for writing terminal audit records.
//
// Records are structured log events on the global zerolog logger, tagged
// with audit=true so they can be routed separately from request logs.
package audit

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const (
	ActionConnect    = "terminal.connect"
	ActionDisconnect = "terminal.disconnect"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
type Entry struct {
	// Action is a dot-namespaced verb, e.g. "terminal.connect".
	Action string
	// SessionID is the registry id of the terminal session.
	SessionID string
	// Target is the namespace/pod/container the shell runs in.
	Target string
	// Transport is "tty" or "sockjs".
	Transport string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's source IP address (from RealIP / trusted proxy headers).
	IP string
	// UserAgent is the HTTP User-Agent header value.
	UserAgent string
	// BytesIn counts stdin bytes received from the client.
	BytesIn int64
	// BytesOut counts shell output bytes sent to the client.
	BytesOut int64
	// Duration is how long the session was attached. Zero on connect.
	Duration time.Duration
	// Detail holds optional structured context (error message, close code, etc.).
	Detail map[string]any
}

// Write logs one audit record.
// Invalid entries are reported and skipped; an audit failure must never break
// the calling operation.
func Write(entry Entry) {
	if !validStatuses[entry.Status] {
		log.Warn().Str("status", entry.Status).Str("action", entry.Action).Msg("audit: invalid status, skipping")
		return
	}

	ev := log.Info()
	if entry.Status == StatusFailed {
		ev = log.Warn()
	}
	ev = ev.Bool("audit", true).
		Str("action", entry.Action).
		Str("session_id", entry.SessionID).
		Str("target", entry.Target).
		Str("transport", entry.Transport).
		Str("status", entry.Status).
		Str("ip", entry.IP)
	if entry.UserAgent != "" {
		ev = ev.Str("user_agent", entry.UserAgent)
	}
	if entry.Action == ActionDisconnect {
		ev = ev.Int64("bytes_in", entry.BytesIn).
			Int64("bytes_out", entry.BytesOut).
			Dur("duration", entry.Duration)
	}
	if len(entry.Detail) > 0 {
		ev = ev.Fields(entry.Detail)
	}
	ev.Msg(entry.Action)
}
