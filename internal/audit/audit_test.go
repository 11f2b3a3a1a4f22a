package audit

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestWriteConnect(t *testing.T) {
	buf := captureLog(t)

	Write(Entry{
		Action:    ActionConnect,
		SessionID: "sess-1",
		Target:    "default/nginx/app",
		Transport: "tty",
		Status:    StatusSuccess,
		IP:        "10.0.0.1",
		UserAgent: "karmada-terminal",
	})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, true, rec["audit"])
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, ActionConnect, rec["action"])
	assert.Equal(t, "sess-1", rec["session_id"])
	assert.Equal(t, "karmada-terminal", rec["user_agent"])
	assert.NotContains(t, rec, "bytes_in")
}

func TestWriteDisconnectCarriesCounters(t *testing.T) {
	buf := captureLog(t)

	Write(Entry{
		Action:    ActionDisconnect,
		SessionID: "sess-1",
		Status:    StatusFailed,
		BytesIn:   12,
		BytesOut:  3400,
		Duration:  1500 * time.Millisecond,
		Detail:    map[string]any{"code": 1006},
	})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, float64(12), rec["bytes_in"])
	assert.Equal(t, float64(3400), rec["bytes_out"])
	assert.Equal(t, float64(1500), rec["duration"])
	assert.Equal(t, float64(1006), rec["code"])
}

func TestWriteSkipsInvalidStatus(t *testing.T) {
	buf := captureLog(t)

	Write(Entry{Action: ActionConnect, Status: "done"})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.NotContains(t, lines[0], "audit")
}
