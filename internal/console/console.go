// Package console hosts a terminal view on the local TTY: it puts stdin in
// raw mode, reports the window size and resizes, shows remote titles and
// pumps keystrokes into the view.
package console

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
	"github.com/karmada-io/karmada-terminal/internal/event"
)

// syncTerminals advertise DEC mode 2026 (synchronized output).
var syncTerminals = []string{"WezTerm", "iTerm.app", "ghostty", "kitty", "foot", "contour", "vscode"}

// TTY is a terminal Container over a pair of files, normally stdin and
// stdout.
type TTY struct {
	in  *os.File
	out *os.File

	mu         sync.Mutex // serializes writes to out
	state      *term.State
	stopNotify func()

	resize     event.Emitter[struct{}]
	notifyOnce sync.Once
}

// New returns a TTY reading from in and writing to out.
func New(in, out *os.File) *TTY {
	return &TTY{in: in, out: out, stopNotify: func() {}}
}

// Stdio returns a TTY over the process's standard streams.
func Stdio() *TTY { return New(os.Stdin, os.Stdout) }

func (t *TTY) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

// Size reports the output window size in cells.
func (t *TTY) Size() (int, int, error) {
	cols, rows, err := term.GetSize(int(t.out.Fd()))
	if err != nil {
		return 0, 0, fmt.Errorf("console: get size: %w", err)
	}
	return cols, rows, nil
}

// OnResize calls fn whenever the window changes size.
func (t *TTY) OnResize(fn func()) disposable.Disposable {
	t.notifyOnce.Do(func() {
		stop := notifyResize(func() { t.resize.Emit(struct{}{}) })
		t.mu.Lock()
		t.stopNotify = stop
		t.mu.Unlock()
	})
	return t.resize.Subscribe(func(struct{}) { fn() })
}

// IsTerminal reports whether output goes to a terminal.
func (t *TTY) IsTerminal() bool { return term.IsTerminal(int(t.out.Fd())) }

// SupportsSynchronizedOutput reports whether the terminal is known to honour
// synchronized updates. KARMADA_TERMINAL_SYNC=1 or 0 overrides detection.
func (t *TTY) SupportsSynchronizedOutput() bool {
	switch os.Getenv("KARMADA_TERMINAL_SYNC") {
	case "1":
		return true
	case "0":
		return false
	}
	if !t.IsTerminal() {
		return false
	}
	for _, env := range []string{os.Getenv("TERM_PROGRAM"), os.Getenv("TERM")} {
		for _, name := range syncTerminals {
			if strings.Contains(strings.ToLower(env), strings.ToLower(name)) {
				return true
			}
		}
	}
	return false
}

// SetTitle sets the window title with OSC 2.
func (t *TTY) SetTitle(title string) {
	_, _ = t.Write([]byte(ansi.SetWindowTitle(title)))
}

// MakeRaw puts the input in raw mode. Restore undoes it.
func (t *TTY) MakeRaw() error {
	fd := int(t.in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("console: raw mode: %w", err)
	}
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	return nil
}

// Restore returns the input to the mode saved by MakeRaw and stops resize
// notifications.
func (t *TTY) Restore() error {
	t.mu.Lock()
	stop, state := t.stopNotify, t.state
	t.state = nil
	t.mu.Unlock()
	stop()
	if state == nil {
		return nil
	}
	return term.Restore(int(t.in.Fd()), state)
}

// Input returns the input file.
func (t *TTY) Input() *os.File { return t.in }
