package terminal

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

// TransferKind names a file transfer protocol started by the remote side.
type TransferKind string

const (
	TransferZmodem TransferKind = "zmodem"
	TransferTrzsz  TransferKind = "trzsz"
)

var (
	// zmodemHeader starts a ZRQINIT or ZRINIT hex header.
	zmodemHeader = []byte("**\x18B0")
	trzszMagic   = []byte("::TRZSZ:TRANSFER:")
	// zmodemAbort is eight CANs followed by eight backspaces.
	zmodemAbort = []byte("\x18\x18\x18\x18\x18\x18\x18\x18\b\b\b\b\b\b\b\b")
)

// TransferHandler takes over a transfer. send writes raw bytes back to the
// remote; the returned notice, if any, is printed in the terminal.
type TransferHandler func(kind TransferKind, send func([]byte)) (notice string)

// RefuseTransfers cancels zmodem transfers and reports trzsz ones.
func RefuseTransfers(kind TransferKind, send func([]byte)) string {
	switch kind {
	case TransferZmodem:
		send(zmodemAbort)
		return "zmodem transfer refused: file transfer is not supported here"
	case TransferTrzsz:
		return "trzsz transfer ignored: file transfer is not supported here"
	}
	return ""
}

// TransferAddon watches output for zmodem and trzsz transfers.
type TransferAddon struct {
	handler TransferHandler

	mu      sync.Mutex
	emu     *Emulator
	send    func([]byte)
	zmodem  bool
	trzsz   bool
	tail    []byte
	started int
}

// NewTransferAddon returns an addon that passes detected transfers to
// handler, or to RefuseTransfers when handler is nil.
func NewTransferAddon(handler TransferHandler) *TransferAddon {
	if handler == nil {
		handler = RefuseTransfers
	}
	return &TransferAddon{handler: handler}
}

func (a *TransferAddon) Activate(e *Emulator) error {
	a.mu.Lock()
	a.emu = e
	a.tail = nil
	a.mu.Unlock()
	return nil
}

func (a *TransferAddon) Dispose() {
	a.mu.Lock()
	a.emu = nil
	a.tail = nil
	a.mu.Unlock()
}

// Configure enables detection per protocol.
func (a *TransferAddon) Configure(zmodem, trzsz bool) {
	a.mu.Lock()
	a.zmodem, a.trzsz = zmodem, trzsz
	a.mu.Unlock()
}

// Enabled reports whether either protocol is watched.
func (a *TransferAddon) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zmodem || a.trzsz
}

// SetSender sets where replies to the remote are written.
func (a *TransferAddon) SetSender(send func([]byte)) {
	a.mu.Lock()
	a.send = send
	a.mu.Unlock()
}

// Started returns how many transfers have been detected.
func (a *TransferAddon) Started() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Filter inspects an output chunk and returns the part that should reach the
// terminal. Output after a zmodem header is swallowed. A few trailing bytes
// are remembered so a marker split across chunks is still seen.
func (a *TransferAddon) Filter(p []byte) []byte {
	a.mu.Lock()
	zmodem, trzsz := a.zmodem, a.trzsz
	if !zmodem && !trzsz {
		a.tail = nil
		a.mu.Unlock()
		return p
	}
	prev := a.tail
	a.tail = keepTail(prev, p, len(trzszMagic)-1)
	a.mu.Unlock()

	joined := append(append([]byte(nil), prev...), p...)
	if zmodem {
		from := max(len(prev)-len(zmodemHeader)+1, 0)
		if i := bytes.Index(joined[from:], zmodemHeader); i >= 0 {
			a.start(TransferZmodem)
			return p[:max(from+i-len(prev), 0)]
		}
	}
	if trzsz {
		from := max(len(prev)-len(trzszMagic)+1, 0)
		if bytes.Contains(joined[from:], trzszMagic) {
			a.start(TransferTrzsz)
		}
	}
	return p
}

func (a *TransferAddon) start(kind TransferKind) {
	a.mu.Lock()
	a.started++
	a.tail = nil
	e, send := a.emu, a.send
	a.mu.Unlock()
	if send == nil {
		send = func([]byte) {}
	}

	log.Info().Str("protocol", string(kind)).Msg("terminal: file transfer detected")
	notice := a.handler(kind, send)
	if notice != "" && e != nil {
		e.Write([]byte("\r\n"+notice+"\r\n"), nil)
	}
}

func keepTail(prev, p []byte, n int) []byte {
	if len(p) >= n {
		return append([]byte(nil), p[len(p)-n:]...)
	}
	joined := append(append([]byte(nil), prev...), p...)
	if len(joined) > n {
		joined = joined[len(joined)-n:]
	}
	return joined
}
