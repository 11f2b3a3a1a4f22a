package terminal

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// ttyContainer is implemented by containers backed by a real terminal.
type ttyContainer interface {
	IsTerminal() bool
}

func isTTY(c Container) bool {
	t, ok := c.(ttyContainer)
	return ok && t.IsTerminal()
}

// OverlayAddon shows a short message over the bottom-right corner of the
// terminal. Painting only happens on real terminals; Current always reports
// the visible message.
type OverlayAddon struct {
	mu      sync.Mutex
	emu     *Emulator
	msg     string
	painted int
	timer   *time.Timer
	seq     uint64
}

func NewOverlayAddon() *OverlayAddon {
	return &OverlayAddon{}
}

func (a *OverlayAddon) Activate(e *Emulator) error {
	a.mu.Lock()
	a.emu = e
	a.mu.Unlock()
	return nil
}

func (a *OverlayAddon) Dispose() {
	a.mu.Lock()
	a.stopTimer()
	a.emu = nil
	a.msg = ""
	a.painted = 0
	a.mu.Unlock()
}

// Show replaces the current message with msg. A positive timeout hides it
// again after that long.
func (a *OverlayAddon) Show(msg string, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer()
	a.erase()
	a.seq++
	a.msg = msg
	a.paint()
	if timeout > 0 {
		seq := a.seq
		a.timer = time.AfterFunc(timeout, func() { a.hide(seq) })
	}
}

// Hide removes the current message.
func (a *OverlayAddon) Hide() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer()
	a.erase()
	a.msg = ""
}

// Current returns the visible message, or "" when none is shown.
func (a *OverlayAddon) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg
}

func (a *OverlayAddon) hide(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.seq {
		return
	}
	a.erase()
	a.msg = ""
	a.timer = nil
}

func (a *OverlayAddon) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// paint draws the message in reverse video, saving and restoring the cursor
// around it. Caller holds a.mu.
func (a *OverlayAddon) paint() {
	if a.emu == nil || a.msg == "" || !isTTY(a.emu.Container()) {
		return
	}
	text := " " + a.msg + " "
	width := utf8.RuneCountInString(text)
	col := max(a.emu.Cols()-width+1, 1)
	row := a.emu.Rows()
	a.emu.WriteHost([]byte(fmt.Sprintf("\x1b7\x1b[%d;%dH\x1b[7m%s\x1b[27m\x1b8", row, col, text)))
	a.painted = width
}

// erase blanks the area last painted. Caller holds a.mu.
func (a *OverlayAddon) erase() {
	if a.painted == 0 || a.emu == nil {
		a.painted = 0
		return
	}
	col := max(a.emu.Cols()-a.painted+1, 1)
	row := a.emu.Rows()
	a.emu.WriteHost([]byte(fmt.Sprintf("\x1b7\x1b[%d;%dH\x1b[%dX\x1b8", row, col, a.painted)))
	a.painted = 0
}
