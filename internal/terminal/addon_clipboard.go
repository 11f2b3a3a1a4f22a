package terminal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
)

// ErrClipboardInactive is returned by Copy before the addon is loaded.
var ErrClipboardInactive = errors.New("terminal: clipboard addon not active")

// writeClipboard is swapped out in tests.
var writeClipboard = clipboard.WriteAll

var osc52Re = regexp.MustCompile(`\x1b\]52;[a-z0-9]*;([A-Za-z0-9+/=]*)(?:\x07|\x1b\\)`)

// ClipboardAddon bridges the system clipboard. Output carrying an OSC 52
// clipboard write is copied to the system clipboard, and Copy puts text there
// directly. When the system clipboard is unavailable the text is forwarded to
// the container as OSC 52 so the hosting terminal can take it.
type ClipboardAddon struct {
	mu   sync.Mutex
	emu  *Emulator
	sub  disposable.Disposable
	last string
}

func NewClipboardAddon() *ClipboardAddon {
	return &ClipboardAddon{}
}

func (a *ClipboardAddon) Activate(e *Emulator) error {
	sub := e.events.Write.Subscribe(a.scan)
	a.mu.Lock()
	if a.sub != nil {
		a.sub.Dispose()
	}
	a.emu = e
	a.sub = sub
	a.mu.Unlock()
	return nil
}

func (a *ClipboardAddon) Dispose() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.emu = nil
	a.mu.Unlock()
	if sub != nil {
		sub.Dispose()
	}
}

// Last returns the most recently copied text.
func (a *ClipboardAddon) Last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Copy places text on the clipboard.
func (a *ClipboardAddon) Copy(text string) error {
	a.mu.Lock()
	e := a.emu
	a.mu.Unlock()
	if e == nil {
		return ErrClipboardInactive
	}
	a.store(e, text, true)
	return nil
}

func (a *ClipboardAddon) scan(p []byte) {
	matches := osc52Re.FindAllSubmatch(p, -1)
	if len(matches) == 0 {
		return
	}
	a.mu.Lock()
	e := a.emu
	a.mu.Unlock()
	for _, m := range matches {
		raw, err := base64.StdEncoding.DecodeString(string(m[1]))
		if err != nil {
			log.Debug().Err(err).Msg("terminal: malformed clipboard sequence")
			continue
		}
		// The sequence itself already reaches the container.
		a.store(e, string(raw), false)
	}
}

func (a *ClipboardAddon) store(e *Emulator, text string, forward bool) {
	a.mu.Lock()
	a.last = text
	a.mu.Unlock()

	err := writeClipboard(text)
	if err == nil {
		return
	}
	log.Debug().Err(err).Msg("terminal: system clipboard unavailable")
	if forward && e != nil && isTTY(e.Container()) {
		e.WriteHost([]byte(fmt.Sprintf("\x1b]52;c;%s\x07", base64.StdEncoding.EncodeToString([]byte(text)))))
	}
}
